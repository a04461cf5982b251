package main

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/fetchstore/internal/batch"
	"github.com/sells-group/fetchstore/internal/fetcher"
	"github.com/sells-group/fetchstore/internal/loader"
	"github.com/sells-group/fetchstore/internal/resilience"
	"github.com/sells-group/fetchstore/internal/store"
)

// fetchEnv holds the store, loader and batch runner shared by the fetch,
// batch and retry-failed commands.
type fetchEnv struct {
	Store  store.Store // nil when manifest.driver is "none"
	Loader *loader.Loader
	Runner *batch.Runner
}

// Close releases resources held by the environment.
func (fe *fetchEnv) Close() {
	if fe.Store != nil {
		_ = fe.Store.Close()
	}
}

// overrides are per-invocation settings layered over the loaded config.
type overrides struct {
	UploadDir string
	HashAlgo  string
	Allow     []string
	// DefaultTypes starts from the built-in allow-list instead of
	// fetch.allowed_mime_types.
	DefaultTypes bool
}

func overridesFromFlags(cmd *cobra.Command) overrides {
	var o overrides
	o.UploadDir, _ = cmd.Flags().GetString("upload-dir")
	o.HashAlgo, _ = cmd.Flags().GetString("hash-algo")
	o.Allow, _ = cmd.Flags().GetStringSlice("allow")
	o.DefaultTypes, _ = cmd.Flags().GetBool("default-types")
	return o
}

// initStore opens the manifest configured by manifest.driver. It returns a
// nil store for driver "none".
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Manifest.Driver {
	case "sqlite":
		dsn := cfg.Manifest.DatabaseURL
		if dsn == "" {
			dsn = "fetchstore.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Manifest.DatabaseURL, nil)
	case "none", "":
		return nil, nil
	default:
		return nil, eris.Errorf("unsupported manifest driver: %s", cfg.Manifest.Driver)
	}
}

// initEnv validates the config, opens and migrates the manifest, and builds
// the loader and batch runner. Callers should defer env.Close().
func initEnv(ctx context.Context, o overrides) (*fetchEnv, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &fetchEnv{Store: st}
	if st != nil {
		if err := st.Migrate(ctx); err != nil {
			env.Close()
			return nil, eris.Wrap(err, "migrate manifest")
		}
	}

	l, err := newLoader(st, o.UploadDir)
	if err != nil {
		env.Close()
		return nil, err
	}
	if err := applyOverrides(l, o); err != nil {
		env.Close()
		return nil, err
	}
	env.Loader = l

	opts := batch.Options{
		MaxConcurrency: cfg.Batch.MaxConcurrency,
		Retry:          cfg.Retry.Policy(),
		Breakers:       resilience.NewHostBreakers(cfg.Circuit.Breaker()),
		MaxRetries:     cfg.Retry.MaxQueuedRetries,
	}
	if st != nil {
		opts.Failures = st
	}
	env.Runner = batch.NewRunner(l, opts)

	zap.L().Debug("fetch environment ready",
		zap.String("upload_dir", l.UploadDir()),
		zap.String("hash_algo", l.HashAlgo()),
		zap.Strings("allowed", l.AllowList().Types()),
		zap.String("manifest", cfg.Manifest.Driver),
	)
	return env, nil
}

// newLoader builds a loader from cfg. A non-empty uploadDir replaces
// store.upload_dir so the configured directory is never provisioned.
func newLoader(st store.Store, uploadDir string) (*loader.Loader, error) {
	if uploadDir == "" {
		uploadDir = cfg.Store.UploadDir
	}
	dirMode, err := cfg.Store.DirModeValue()
	if err != nil {
		return nil, eris.Wrap(err, "store.dir_mode")
	}
	fileMode, err := cfg.Store.FileModeValue()
	if err != nil {
		return nil, eris.Wrap(err, "store.file_mode")
	}
	maxBody, err := cfg.Fetch.MaxBodyBytes()
	if err != nil {
		return nil, eris.Wrap(err, "fetch.max_body_size")
	}
	hostRates, err := cfg.Fetch.HostRates()
	if err != nil {
		return nil, eris.Wrap(err, "fetch.host_rate_limits")
	}

	opts := loader.Options{
		UploadDir: uploadDir,
		HashAlgo:  cfg.Store.HashAlgo,
		AllowList: cfg.Fetch.AllowList(),
		DirMode:   dirMode,
		FileMode:  fileMode,
		HTTP: fetcher.HTTPOptions{
			UserAgent:        cfg.Fetch.UserAgent,
			Timeout:          cfg.Fetch.Timeout(),
			MaxBodySize:      maxBody,
			SniffMissingType: cfg.Fetch.SniffMissingType,
			RatePerHost:      rate.Limit(cfg.Fetch.RateLimit),
			Burst:            cfg.Fetch.RateBurst,
			HostRates:        hostRates,
		},
	}
	if st != nil {
		opts.Recorder = store.NewRecorder(st)
	}

	l, err := loader.New(opts)
	if err != nil {
		return nil, eris.Wrap(err, "init loader")
	}
	return l, nil
}

func applyOverrides(l *loader.Loader, o overrides) error {
	if o.HashAlgo != "" {
		if err := l.SetHashAlgo(o.HashAlgo); err != nil {
			return err
		}
	}
	if o.DefaultTypes {
		l.ResetAllowList()
	}
	if len(o.Allow) > 0 {
		l.Allow(o.Allow...)
	}
	return nil
}

// addLoaderFlags registers the flags read by overridesFromFlags.
func addLoaderFlags(cmd *cobra.Command) {
	cmd.Flags().String("upload-dir", "", "override store.upload_dir")
	cmd.Flags().String("hash-algo", "", "override store.hash_algo (see 'fetchstore algos')")
	cmd.Flags().StringSlice("allow", nil, "additional MIME types to accept")
	cmd.Flags().Bool("default-types", false, "start from the built-in allow-list instead of fetch.allowed_mime_types")
}

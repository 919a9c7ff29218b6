package main

import (
	"context"
	"io"
	"log"

	"github.com/function61/certsidecar/pkg/certstore"
	"github.com/function61/certsidecar/pkg/renewal"
	"github.com/function61/certsidecar/pkg/sidecarconfig"
	"github.com/function61/certsidecar/pkg/tlsproxy"
	"github.com/function61/certsidecar/pkg/vaultbroker"
	"github.com/function61/gokit/jsonfile"
	"github.com/function61/gokit/logex"
	"github.com/function61/gokit/taskrunner"
)

func serve(ctx context.Context, logger *log.Logger) error {
	conf, err := sidecarconfig.FromEnv()
	if err != nil {
		return err
	}

	broker, err := vaultbroker.New(conf, logex.Prefix("vaultbroker", logger))
	if err != nil {
		return err
	}

	store := certstore.New(conf.CertDir, logex.Prefix("certstore", logger))

	scheduler := renewal.NewScheduler(
		broker,
		store,
		conf.RenewalThreshold,
		logex.Prefix("renewal", logger))

	// the proxy must not accept a single connection before we have a credential
	// to serve. No credential obtainable => fatal, orchestration gets to react.
	if err := scheduler.AcquireInitial(ctx); err != nil {
		return err
	}

	proxy := tlsproxy.New(
		conf.ListenAddr,
		conf.BackendAddr,
		store,
		conf.ShutdownTimeout,
		logex.Prefix("tlsproxy", logger))

	tasks := taskrunner.New(ctx, logger)

	tasks.Start("renewal", func(ctx context.Context, _ string) error {
		return scheduler.Run(ctx)
	})

	tasks.Start("tlsproxy "+conf.ListenAddr, func(ctx context.Context, _ string) error {
		return proxy.Run(ctx)
	})

	return tasks.Wait()
}

func issueOnce(ctx context.Context, logger *log.Logger) error {
	conf, err := sidecarconfig.FromEnv()
	if err != nil {
		return err
	}

	broker, err := vaultbroker.New(conf, logex.Prefix("vaultbroker", logger))
	if err != nil {
		return err
	}

	store := certstore.New(conf.CertDir, logex.Prefix("certstore", logger))

	return renewal.NewScheduler(
		broker,
		store,
		conf.RenewalThreshold,
		logex.Prefix("renewal", logger)).AcquireInitial(ctx)
}

func confDisplay(out io.Writer) error {
	conf, err := sidecarconfig.FromEnv()
	if err != nil {
		return err
	}

	// durations as strings instead of nanosecond ints
	return jsonfile.Marshal(out, struct {
		*sidecarconfig.Config
		CertTtl         string `json:"cert_ttl"`
		ShutdownTimeout string `json:"shutdown_timeout"`
	}{conf, conf.CertTtl.String(), conf.ShutdownTimeout.String()})
}

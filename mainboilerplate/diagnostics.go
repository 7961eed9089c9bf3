// Package mainboilerplate contains shared boilerplate for this project's
// programs: logging and configuration parsing, diagnostics, and fatal error
// handling. Callers pick the pieces they need.
package mainboilerplate

import (
	"context"
	_ "expvar" // Import for /debug/vars
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" // Import for /debug/pprof
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// DiagnosticsConfig configures pull-based application metrics, debugging and diagnostics.
type DiagnosticsConfig struct {
	Port string `long:"port" env:"PORT" description:"Port for diagnostics HTTP requests (metrics, pprof, readiness). Diagnostics aren't served if not set"`
}

// InitDiagnosticsAndRecover enables serving of metrics and debugging services
// registered on the default HTTPMux, if a diagnostics port is configured. It
// returns a closure which should be deferred, which logs a recovered panic
// with its stack before re-raising it.
func InitDiagnosticsAndRecover(ctx context.Context, cfg DiagnosticsConfig) func() {
	// Package "net/http/pprof" serves /debug/pprof/.
	// Package "expvar" serves /debug/vars

	// Serve a liveness check at /debug/ready.
	http.HandleFunc("/debug/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	// Serve Prometheus metrics at /debug/metrics.
	http.Handle("/debug/metrics", promhttp.Handler())

	if cfg.Port != "" {
		var srv = &http.Server{
			Addr:              net.JoinHostPort("", cfg.Port),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != http.ErrServerClosed {
				log.WithFields(log.Fields{"err": err, "port": cfg.Port}).
					Error("diagnostics server failed")
			}
		}()
		go func() {
			<-ctx.Done()
			_ = srv.Close()
		}()
		log.WithField("port", cfg.Port).Info("serving diagnostics")
	}

	return func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "PANIC: %+v\n", r)
			panic(r)
		}
	}
}

// Must panics if |err| is non-nil, supplying |msg| and |extra| as
// formatter and fields of the generated panic.
func Must(err error, msg string, extra ...interface{}) {
	if err == nil {
		return
	}
	var f = log.Fields{"err": err}
	for i := 0; i+1 < len(extra); i += 2 {
		f[extra[i].(string)] = extra[i+1]
	}
	log.WithFields(f).Panic(msg)
}

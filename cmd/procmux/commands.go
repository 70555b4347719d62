package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/loykin/procmux"
	itls "github.com/loykin/procmux/internal/tls"
	"github.com/loykin/procmux/pkg/client"
)

var errNothingToRun = errors.New("nothing to run: pass --cmd or a config with [[processes]]")

type command struct {
	out io.Writer
}

func loadConfig(path string) (*procmux.Config, error) {
	if path == "" {
		return procmux.DefaultConfig(), nil
	}
	cfg, err := procmux.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return cfg, nil
}

// Run spawns the requested processes, waits for all of them and prints a
// status table. It fails when any child did not exit successfully.
func (c command) Run(ctx context.Context, f RunFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(f.ConfigPath)
	if err != nil {
		return err
	}
	if f.Threads > 0 {
		cfg.Pool.Threads = f.Threads
	}
	if f.Backend != "" {
		cfg.Pool.Backend = f.Backend
	}
	specs := cfg.Processes
	if f.Cmd != "" {
		name := f.Name
		if name == "" {
			name = programName(f.Cmd)
		}
		specs = []procmux.Spec{{Name: name, Command: f.Cmd, WorkDir: f.WorkDir, Log: cfg.Log.Output}}
	}
	if len(specs) == 0 {
		return errNothingToRun
	}

	m, err := procmux.NewFromConfig(cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), m.Tuning().LingerDuration+5*time.Second)
		defer cancel()
		_ = m.Close(closeCtx)
	}()
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	stdout := &syncWriter{w: c.out}
	stderr := &syncWriter{w: os.Stderr}
	handles := make([]*procmux.Handle, len(specs))
	statuses := make([]procmux.Status, len(specs))
	for i, s := range specs {
		var opts []procmux.ProcessOption
		if !s.Log.Enabled() {
			opts = append(opts, procmux.WithOutput(stdout, stderr))
		}
		h, err := m.Start(ctx, s, opts...)
		if h == nil {
			statuses[i] = procmux.Status{Name: s.Name, ExitCode: -1, Outcome: procmux.OutcomeFailure, Error: err.Error()}
			continue
		}
		handles[i] = h
	}
	for i, h := range handles {
		if h == nil {
			continue
		}
		st, err := h.Wait(ctx)
		if err != nil && ctx.Err() != nil {
			_ = h.Signal(os.Kill)
		}
		if err != nil && st.Error == "" {
			st.Error = err.Error()
		}
		statuses[i] = st
	}

	if f.JSON {
		printJSON(c.out, statuses)
	} else {
		printStatusTable(c.out, statuses)
	}
	failed := 0
	for _, st := range statuses {
		if st.Outcome != procmux.OutcomeSuccess {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d processes did not succeed", failed, len(statuses))
	}
	return nil
}

// Serve runs the multiplexer and its HTTP API until ctx ends or the process
// receives SIGINT/SIGTERM. ready, when set, receives the bound address.
func (c command) Serve(ctx context.Context, f ServeFlags, ready func(addr string)) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(f.ConfigPath)
	if err != nil {
		return err
	}
	if f.Listen != "" {
		cfg.Server.Listen = f.Listen
	}
	if f.BasePath != "" {
		cfg.Server.BasePath = f.BasePath
	}
	withMetrics := cfg.Server.Metrics || f.Metrics
	if withMetrics {
		if err := procmux.RegisterMetricsDefault(); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}

	tlsCfg, err := itls.Setup(cfg.Server.TLS)
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}

	m, err := procmux.NewFromConfig(cfg)
	if err != nil {
		return err
	}
	srv := procmux.NewHTTPServer(cfg.Server.Listen, cfg.Server.BasePath, m, withMetrics)
	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		_ = m.Close(context.Background())
		return fmt.Errorf("listen %s: %w", cfg.Server.Listen, err)
	}
	scheme := "http"
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
		scheme = "https"
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()
	_, _ = fmt.Fprintf(c.out, "procmux listening on %s://%s%s\n", scheme, ln.Addr(), cfg.Server.BasePath)

	if f.StartConfigured {
		for _, s := range cfg.Processes {
			if _, err := m.Start(ctx, s); err != nil {
				_, _ = fmt.Fprintf(c.out, "failed to start %s: %v\n", s.Name, err)
			}
		}
	}
	if ready != nil {
		ready(ln.Addr().String())
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		_ = m.Close(context.Background())
		return err
	}

	_, _ = fmt.Fprintln(c.out, "Shutting down...")
	stopProcesses(m)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	closeCtx, cancelClose := context.WithTimeout(context.Background(), m.Tuning().LingerDuration+5*time.Second)
	defer cancelClose()
	if cerr := m.Close(closeCtx); cerr != nil {
		_, _ = fmt.Fprintf(c.out, "processes still running at shutdown: %v\n", cerr)
	}
	return err
}

// stopProcesses sends SIGTERM to every child that is still running.
func stopProcesses(m *procmux.Multiplexer) {
	for _, st := range m.Processes() {
		if st.Outcome != procmux.OutcomeRunning {
			continue
		}
		if h, ok := m.Handle(st.PID); ok {
			_ = h.Signal(syscall.SIGTERM)
		}
	}
}

// programName returns the base name of the first word of cmd.
func programName(cmd string) string {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return "run"
	}
	return filepath.Base(fields[0])
}

func newClient(f APIFlags) *client.Client {
	cfg := client.DefaultConfig()
	if f.APIUrl != "" {
		cfg.BaseURL = f.APIUrl
	}
	if f.APITimeout > 0 {
		cfg.Timeout = f.APITimeout
	}
	if f.CACert != "" {
		cfg.TLS = &client.TLSClientConfig{Enabled: true, CACert: f.CACert}
	}
	cfg.Insecure = f.Insecure
	return client.New(cfg)
}

// Status queries a running server.
func (c command) Status(ctx context.Context, f StatusFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	api := newClient(f.APIFlags)
	switch {
	case f.Processors:
		procs, err := api.Processors(ctx)
		if err != nil {
			return err
		}
		printJSON(c.out, procs)
	case f.PID > 0:
		st, err := api.Status(ctx, f.PID)
		if err != nil {
			return err
		}
		printJSON(c.out, st)
	default:
		sts, err := api.Processes(ctx)
		if err != nil {
			return err
		}
		printJSON(c.out, sts)
	}
	return nil
}

// Tuning prints the locally resolved tuning, or the server's with --api-url.
func (c command) Tuning(ctx context.Context, f TuningFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if f.APIUrl != "" {
		t, err := newClient(f.APIFlags).Tuning(ctx)
		if err != nil {
			return err
		}
		printJSON(c.out, t)
		return nil
	}
	cfg, err := loadConfig(f.ConfigPath)
	if err != nil {
		return err
	}
	printJSON(c.out, cfg.Tuning)
	return nil
}

package probe

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"sort"
	"strconv"
	"sync"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"

	logx "speedtest-exporter/pkg/logx"
)

const libraryPath = "speedtest-go"

// LibraryConfig controls the in-process backend.
type LibraryConfig struct {
	// Candidate servers to consider (sorted by distance, then pinged).
	ServerCount int

	SavingMode     bool
	MaxConnections int

	// PingConcurrency caps how many ping tests run concurrently.
	PingConcurrency int

	// OperationTimeout is used for HTTP dial timeout heuristics only.
	// It does NOT wrap the run context.
	OperationTimeout time.Duration

	// DisableHTTP2 forces HTTP/1.1 for speedtest traffic.
	DisableHTTP2 bool
	// DisableKeepAlives encourages connections to close promptly.
	DisableKeepAlives bool

	// PostRunFreeOSMemory calls debug.FreeOSMemory after the run.
	PostRunFreeOSMemory bool
}

// Spawner allows callers (e.g. a supervisor) to own goroutines created by the
// library runner. When nil, the runner falls back to plain `go`.
type Spawner interface {
	Go(name string, fn func())
}

// SpawnerFunc adapts a function to Spawner.
type SpawnerFunc func(name string, fn func())

func (f SpawnerFunc) Go(name string, fn func()) { f(name, fn) }

// LibraryRunner measures in-process with speedtest-go and reports the result in
// the same shape as the CLI.
type LibraryRunner struct {
	cfg     LibraryConfig
	log     logx.Logger
	spawner Spawner
}

// LibraryOption customizes a LibraryRunner.
type LibraryOption func(*LibraryRunner)

// WithSpawner makes the runner use the provided spawner for ping goroutines.
func WithSpawner(s Spawner) LibraryOption { return func(r *LibraryRunner) { r.spawner = s } }

func NewLibraryRunner(cfg LibraryConfig, log logx.Logger, opts ...LibraryOption) *LibraryRunner {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &LibraryRunner{cfg: normalizeLibraryConfig(cfg), log: log}
	for _, o := range opts {
		o(r)
	}
	return r
}

func normalizeLibraryConfig(cfg LibraryConfig) LibraryConfig {
	if cfg.ServerCount <= 0 {
		cfg.ServerCount = 5
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 4
	}
	if cfg.PingConcurrency <= 0 {
		cfg.PingConcurrency = 4
	}
	return cfg
}

// Run executes a single measurement against the lowest-latency nearby server.
func (r *LibraryRunner) Run(ctx context.Context) (*Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg := r.cfg

	runCtx, cancelRun := context.WithCancel(ctx)
	ctx = runCtx

	// Dedicated HTTP transport so connections can be cleaned up after a run.
	hc, tr := newHTTPClient(cfg)

	// Avoid package-level speedtest helpers; speedtest-go keeps package-level state.
	// WithDoer must follow WithUserConfig, which resets the client transport.
	stc := st.New(
		st.WithUserConfig(&st.UserConfig{
			SavingMode:     cfg.SavingMode,
			MaxConnections: cfg.MaxConnections,
		}),
		st.WithDoer(hc),
	)
	stc.SetNThread(cfg.MaxConnections)

	defer func() {
		cancelRun()
		stc.Snapshots().Clean()
		stc.Reset()
		if tr != nil {
			tr.CloseIdleConnections()
		}
		if cfg.PostRunFreeOSMemory {
			debug.FreeOSMemory()
		}
	}()

	user, err := stc.FetchUserInfoContext(ctx)
	if err != nil {
		return nil, &LaunchError{Path: libraryPath, Err: fmt.Errorf("fetch user info: %w", err)}
	}

	servers, err := stc.FetchServerListContext(ctx)
	if err != nil {
		return nil, &LaunchError{Path: libraryPath, Err: fmt.Errorf("fetch server list: %w", err)}
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return nil, &LaunchError{Path: libraryPath, Err: fmt.Errorf("no servers available")}
	}

	sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })
	candidateN := min(cfg.ServerCount, len(servers))
	candidates := servers[:candidateN]

	pinged := r.pingCandidates(ctx, candidates, cfg.PingConcurrency)
	if len(pinged) == 0 {
		return nil, &ProcessError{ExitCode: -1, Err: fmt.Errorf("all latency tests failed")}
	}
	sort.Slice(pinged, func(i, j int) bool { return pinged[i].Latency < pinged[j].Latency })
	s := pinged[0]

	r.log.Debug("speedtest server selected",
		logx.String("server", s.Sponsor),
		logx.String("host", s.Host),
		logx.Int("candidates", candidateN),
	)

	dlStart := time.Now()
	if err := s.DownloadTestContext(ctx); err != nil {
		return nil, &ProcessError{ExitCode: -1, Err: fmt.Errorf("download test: %w", err)}
	}
	dlElapsed := time.Since(dlStart)

	ulStart := time.Now()
	if err := s.UploadTestContext(ctx); err != nil {
		return nil, &ProcessError{ExitCode: -1, Err: fmt.Errorf("upload test: %w", err)}
	}
	ulElapsed := time.Since(ulStart)

	return toResult(s, user, dlElapsed, ulElapsed)
}

// toResult maps the selected server onto the CLI result shape. The sponsor is
// what the CLI reports as the server name.
func toResult(s *st.Server, user *st.User, dl, ul time.Duration) (*Result, error) {
	id, err := strconv.ParseUint(s.ID, 10, 64)
	if err != nil {
		return nil, &ProcessError{ExitCode: -1, Err: fmt.Errorf("server id %q: %w", s.ID, err)}
	}
	var port uint16
	if _, p, err := net.SplitHostPort(s.Host); err == nil {
		if n, err := strconv.ParseUint(p, 10, 16); err == nil {
			port = uint16(n)
		}
	}
	res := &Result{
		Timestamp: time.Now().UTC(),
		Ping: Ping{
			Jitter:  durationMillis(s.Jitter),
			Latency: durationMillis(s.Latency),
			Low:     durationMillis(s.MinLatency),
			High:    durationMillis(s.MaxLatency),
		},
		Download: newTransfer(float64(s.DLSpeed), dl),
		Upload:   newTransfer(float64(s.ULSpeed), ul),
		Server: Server{
			ID:       id,
			Name:     s.Sponsor,
			Location: s.Name,
			Country:  s.Country,
			Host:     s.Host,
			Port:     port,
		},
	}
	if user != nil {
		res.ISP = user.Isp
		res.Interface.ExternalIP = user.IP
	}
	return res, nil
}

// newTransfer derives byte count from the average rate; speedtest-go does not
// expose the exact transferred total.
func newTransfer(bytesPerSec float64, elapsed time.Duration) Transfer {
	ms := elapsed.Milliseconds()
	return Transfer{
		Bandwidth: int64(bytesPerSec),
		Bytes:     int64(bytesPerSec * float64(ms) / 1000.0),
		Elapsed:   ms,
	}
}

func durationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

type pingResult struct {
	Server *st.Server
	Err    error
}

func (r *LibraryRunner) pingCandidates(ctx context.Context, servers []*st.Server, maxConcurrent int) []*st.Server {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}

	sem := make(chan struct{}, maxConcurrent)
	out := make(chan pingResult, len(servers))
	var wg sync.WaitGroup

	launch := func(name string, fn func()) {
		if r.spawner != nil {
			r.spawner.Go(name, fn)
			return
		}
		go fn()
	}

	for i, s := range servers {
		wg.Add(1)
		launch(fmt.Sprintf("probe.ping.%d", i), func() {
			defer wg.Done()
			// A failed ping drops the candidate; it must not reach the spawner.
			defer func() {
				if r := recover(); r != nil {
					out <- pingResult{Server: s, Err: fmt.Errorf("ping panic: %v", r)}
				}
			}()

			select {
			case <-ctx.Done():
				out <- pingResult{Server: s, Err: ctx.Err()}
				return
			case sem <- struct{}{}:
			}
			defer func() { <-sem }()

			err := s.PingTestContext(ctx, nil)
			out <- pingResult{Server: s, Err: err}
		})
	}

	wg.Wait()
	close(out)

	pinged := make([]*st.Server, 0, len(servers))
	for pr := range out {
		if pr.Err != nil || pr.Server == nil || pr.Server.Latency <= 0 {
			continue
		}
		pinged = append(pinged, pr.Server)
	}
	return pinged
}

func newHTTPClient(cfg LibraryConfig) (*http.Client, *http.Transport) {
	dialTimeout := 10 * time.Second
	if cfg.OperationTimeout > 0 {
		capTo := cfg.OperationTimeout / 2
		if capTo < dialTimeout {
			dialTimeout = capTo
		}
		if dialTimeout < 2*time.Second {
			dialTimeout = 2 * time.Second
		}
	}

	perHost := max(cfg.MaxConnections, 2)

	keepAlive := 30 * time.Second
	if cfg.DisableKeepAlives {
		// A negative KeepAlive means "disable" for net.Dialer.
		keepAlive = -1
	}

	d := &net.Dialer{Timeout: dialTimeout, KeepAlive: keepAlive}

	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           d.DialContext,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   perHost,
		IdleConnTimeout:       10 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableKeepAlives:     cfg.DisableKeepAlives,
		ForceAttemptHTTP2:     !cfg.DisableHTTP2,
	}
	if cfg.DisableKeepAlives {
		tr.MaxIdleConns = 0
		tr.MaxIdleConnsPerHost = 0
		tr.IdleConnTimeout = 2 * time.Second
	}
	if cfg.DisableHTTP2 {
		tr.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	}

	return &http.Client{Transport: userAgentTransport{ua: st.DefaultUserAgent, next: tr}}, tr
}

// userAgentTransport keeps the library's User-Agent on the custom transport.
type userAgentTransport struct {
	ua   string
	next http.RoundTripper
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.ua)
	return t.next.RoundTrip(req)
}

package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"io"
	"net/http"
	"net/http/pprof"
	"net/url"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aukilabs/go-tooling/pkg/cli"
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/events"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/go-tooling/pkg/metrics"
	"github.com/aukilabs/hagall-common/crypt"
	hds "github.com/aukilabs/hagall-common/hdsclient"
	"github.com/aukilabs/hagall-vanish/featureflag"
	hagallhttp "github.com/aukilabs/hagall-vanish/http"
	"github.com/aukilabs/hagall-vanish/models"
	"github.com/aukilabs/hagall-vanish/modules"
	"github.com/aukilabs/hagall-vanish/modules/vanish"
	"github.com/aukilabs/hagall-vanish/permissions"
	hwebsocket "github.com/aukilabs/hagall-vanish/websocket"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/encoding/json"
	"golang.org/x/net/websocket"
)

var (
	// The Hagall version number. Set at build.
	version = "v0.5.0"

	infoGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name:        "hagall_info",
		Help:        "Hagall vanish server information.",
		ConstLabels: prometheus.Labels{"version": version},
	})
)

// This will effectively disable obfuscation of the config struct. Without it, the keys would get obfuscated causing the cli package to generate garbled command-line options.
// https://github.com/burrowers/garble/issues/403
var _ = reflect.TypeOf(config{})

type config struct {
	Addr               string        `cli:""        env:"HAGALL_ADDR"                  help:"Listening address for client connections."`
	AdminAddr          string        `cli:""        env:"HAGALL_ADMIN_ADDR"            help:"Admin listening address."`
	PublicEndpoint     string        `cli:""        env:"HAGALL_PUBLIC_ENDPOINT"       help:"The public endpoint where this Hagall server is reachable."`
	PrivateKey         string        `cli:""        env:"HAGALL_PRIVATE_KEY"           help:"The private key of a Hagall server-unique Ethereum-compatible wallet."`
	PrivateKeyFile     string        `cli:""        env:"HAGALL_PRIVATE_KEY_FILE"      help:"The file that contains the private key of a Hagall server-unique Ethereum-compatible wallet."`
	LogLevel           string        `cli:""        env:"HAGALL_LOG_LEVEL"             help:"Log level (debug|info|warning|error)."`
	LogIndent          bool          `cli:""        env:"HAGALL_LOG_INDENT"            help:"Indent logs."`
	SyncClockInterval  time.Duration `cli:",hidden" env:"HAGALL_SYNC_CLOCK_INTERVAL"   help:"Client sync clock (heartbeat) message interval."`
	ClientIdleTimeout  time.Duration `cli:",hidden" env:"HAGALL_CLIENT_IDLE_TIMEOUT"   help:"Time until an idle client will be disconnected"`
	FrameDuration      time.Duration `cli:",hidden" env:"HAGALL_FRAME_DURATION"        help:"The duration of a session frame."`
	LogSummaryInterval time.Duration `cli:",hidden" env:"HAGALL_LOG_SUMMARY_INTERVAL"  help:"The duration between each log summary by connection."`
	HDS                hdsConfig     `cli:",hidden" env:"-"                            help:"HDS configuration."`
	Events             eventsConfig  `cli:",hidden" env:"-"                            help:"Event pusher configuration."`
	FeatureFlags       []string      `cli:",hidden" env:"HAGALL_FEATURE_FLAGS"         help:"Comma separated feature flags"`
	PermissionsFile    string        `cli:""        env:"HAGALL_PERMISSIONS_FILE"      help:"The YAML file that grants vanish capabilities. Reloaded on SIGHUP."`
	Vanish             vanishConfig  `cli:""        env:"-"                            help:"Vanish configuration."`
	Version            bool          `cli:""        env:"-"                            help:"Show version."`
	Help               bool          `cli:""        env:"-"                            help:"Show help."`
}

type hdsConfig struct {
	Endpoint             string        `cli:",hidden" env:"HAGALL_HDS_ENDPOINT"              help:"HDS enpoint."`
	RegistrationInterval time.Duration `cli:",hidden" env:"HAGALL_HDS_REGISTRATION_INTERVAL" help:"The duration between each HDS registration try."`
	HealthCheckTTL       time.Duration `cli:",hidden" env:"HAGALL_HDS_HEALTHCHECK_TTL"       help:"The elapsed time required since the last health check to trigger a new registration."`
	RegistrationRetries  int           `cli:",hidden" env:"HAGALL_HDS_REGISTRATION_RETRIES"  help:"The number of registration retries."`
}

type eventsConfig struct {
	Endpoint      string        `cli:",hidden" env:"HAGALL_EVENTS_ENDPOINT"       help:"Endpoint to where events are pushed."`
	FlushInterval time.Duration `cli:",hidden" env:"HAGALL_EVENTS_FLUSH_INTERVAL" help:"The duration between each event flush."`
	BatchSize     int           `cli:",hidden" env:"HAGALL_EVENTS_BATCH_SIZE"     help:"The maximum number of events sent at once."`
	QueueSize     int           `cli:",hidden" env:"HAGALL_EVENTS_QUEUE_SIZE"     help:"The size of the queue where events are stored."`
}

type vanishConfig struct {
	AutoFakeJoinSilent bool          `cli:"" env:"HAGALL_VANISH_AUTO_FAKE_JOIN_SILENT" help:"Announce the join of participants that joined silently once they become visible."`
	FakeJoinMessage    string        `cli:"" env:"HAGALL_VANISH_FAKE_JOIN_MESSAGE"     help:"The fake join message. %p is replaced by the participant name and %d by its display name."`
	FakeQuitMessage    string        `cli:"" env:"HAGALL_VANISH_FAKE_QUIT_MESSAGE"     help:"The fake quit message. %p is replaced by the participant name and %d by its display name."`
	RestoreInterval    time.Duration `cli:"" env:"HAGALL_VANISH_RESTORE_INTERVAL"      help:"The interval between pending visibility restorations."`
	NoFollowRadius     int           `cli:"" env:"HAGALL_VANISH_NO_FOLLOW_RADIUS"      help:"The distance in which hostile entities stop following a vanishing participant."`
}

func (c vanishConfig) settings() vanish.Settings {
	return vanish.Settings{
		AutoFakeJoinSilent: c.AutoFakeJoinSilent,
		FakeJoinMessage:    c.FakeJoinMessage,
		FakeQuitMessage:    c.FakeQuitMessage,
		RestoreInterval:    c.RestoreInterval,
		NoFollowRadius:     float32(c.NoFollowRadius),
	}
}

func main() {
	conf := config{
		Addr:               ":4000",
		AdminAddr:          ":18190",
		PublicEndpoint:     "http://localhost:4000",
		LogLevel:           logs.InfoLevel.String(),
		SyncClockInterval:  time.Second * 5,
		ClientIdleTimeout:  time.Minute * 5,
		FrameDuration:      time.Millisecond * 15,
		LogSummaryInterval: time.Minute,
		HDS: hdsConfig{
			Endpoint:             "https://hds.posemesh.org",
			RegistrationInterval: time.Second * 15,
			HealthCheckTTL:       time.Minute * 2,
			RegistrationRetries:  3,
		},
		Events: eventsConfig{
			Endpoint:      "https://znw4vaxw00.execute-api.us-east-1.amazonaws.com/log-prod_serverless_lambda_stage/log",
			FlushInterval: events.DefaultFlushInterval,
			BatchSize:     events.DefaultBatchSize,
			QueueSize:     events.DefaultQueueSize,
		},
		Vanish: vanishConfig{
			FakeJoinMessage: vanish.DefaultFakeJoinMessage,
			FakeQuitMessage: vanish.DefaultFakeQuitMessage,
			RestoreInterval: vanish.DefaultRestoreInterval,
			NoFollowRadius:  vanish.DefaultNoFollowRadius,
		},
	}

	// set the information gauge to 1, useful for SUM query
	infoGauge.Set(1)

	ctx, cancel := cli.ContextWithSignals(context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer cancel()

	cli.Register().
		Help("Starts Hagall server with the vanish module.").
		Options(&conf)
	cli.Load()

	if conf.Version {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := validateConfig(conf); err != nil {
		logs.Fatal(err)
	}

	privateKey, err := loadPrivateKey(conf)
	if err != nil {
		logs.Fatal(errors.New("error loading private key").Wrap(err))
	}

	perms, err := permissions.Load(conf.PermissionsFile)
	if err != nil {
		logs.Fatal(errors.New("error loading permissions").Wrap(err))
	}

	logs.SetLevel(logs.ParseLevel(conf.LogLevel))
	logs.Encoder = json.Marshal
	if conf.LogIndent {
		logs.Encoder = func(v any) ([]byte, error) {
			return json.MarshalIndent(v, "", "  ")
		}
	}

	errors.Encoder = json.Marshal

	transport := metrics.HTTPTransport(http.DefaultTransport)

	if conf.Events.Endpoint != "" {
		eventsPusher := events.Pusher{
			Endpoint:      conf.Events.Endpoint,
			FlushInterval: conf.Events.FlushInterval,
			BatchSize:     conf.Events.BatchSize,
			QueueSize:     conf.Events.QueueSize,
			Transport:     transport,
		}
		go eventsPusher.Start()
		defer eventsPusher.Close()

		eventsLogger := events.Logger{
			Pusher:           &eventsPusher,
			SDKType:          "hagall-vanish",
			SDKVersionFamily: version,
		}
		logs.SetLogger(eventsLogger.Log)
	}

	var service http.ServeMux

	hdsClient := hds.NewClient(hds.WithHagallEndpoint(conf.PublicEndpoint),
		hds.WithHDSEndpoint(conf.HDS.Endpoint),
		hds.WithEncoder(json.Marshal),
		hds.WithTransport(transport),
		hds.WithDecoder(json.Unmarshal),
		hds.WithPrivateKey(privateKey),
	)

	service.HandleFunc("/registrations", hdsClient.HandleServerRegistration)
	service.Handle("/health", hagallhttp.HandleWithCORS(http.HandlerFunc(hdsClient.HandleHealthCheck)))
	service.Handle("/version", hagallhttp.HandleWithCORS(http.HandlerFunc(hagallhttp.HandleVersion(version))))
	service.Handle("/pms/metrics", crypt.HandleWithEncryption(
		crypt.NewHagallSecretProvider(hdsClient),
		promhttp.Handler()))

	readinessCheck := func() bool {
		return hdsClient.GetRegistrationStatus() == hds.RegistrationStatusRegistered
	}
	service.Handle("/ready", hagallhttp.HandleWithCORS(http.HandlerFunc(hagallhttp.HandleReadyCheck(readinessCheck))))

	sessions := models.SessionStore{
		DiscoveryService: hdsClient,
	}

	featureFlags := featureflag.New(conf.FeatureFlags)
	vanishSettings := conf.Vanish.settings()

	service.Handle("/", hagallhttp.HandleWithCORS(websocket.Server{
		Handshake: hagallhttp.VerifyAuthToken(hdsClient),
		Handler: func(conn *websocket.Conn) {
			defer conn.Close()

			var rh hwebsocket.Handler = &hwebsocket.RealtimeHandler{
				ClientSyncClockInterval: conf.SyncClockInterval,
				ClientIdleTimeout:       conf.ClientIdleTimeout,
				FrameDuration:           conf.FrameDuration,
				Sessions:                &sessions,
				Modules: []modules.Module{
					&vanish.Module{
						Settings:     vanishSettings,
						Oracle:       perms,
						FeatureFlags: featureFlags,
						Reloader:     perms,
					},
				},
				FeatureFlags: featureFlags,
			}
			h := hwebsocket.HandlerWithLogs(rh, conf.LogSummaryInterval)
			h = hwebsocket.HandlerWithMetrics(h, conf.PublicEndpoint)
			defer h.Close()

			hwebsocket.Handle(ctx, conn, h)
		},
	}))

	service.Handle("/ping", websocket.Server{
		Handler: func(ws *websocket.Conn) {
			defer ws.Close()
			io.Copy(ws, ws)
		},
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := pairWithHDS(ctx, hdsClient, conf)
		if err != nil && err != context.Canceled {
			logs.Fatal(errors.New("registering with HDS failed").Wrap(err))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		reloadPermissionsOnHangup(ctx, perms)
	}()

	var admin http.ServeMux
	admin.Handle("/metrics", promhttp.Handler())
	admin.HandleFunc("/health", hagallhttp.HandleHealthCheck)
	admin.HandleFunc("/debug/pprof/", pprof.Index)
	admin.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	admin.HandleFunc("/debug/pprof/profile", pprof.Profile)
	admin.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	admin.HandleFunc("/debug/pprof/trace", pprof.Trace)
	admin.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
	admin.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	admin.Handle("/debug/pprof/threadcreate", pprof.Handler("threadcreate"))
	admin.Handle("/debug/pprof/block", pprof.Handler("block"))
	admin.HandleFunc("/ready", hagallhttp.HandleReadyCheck(readinessCheck))

	walletAddress := strings.ToLower(crypto.PubkeyToAddress(privateKey.PublicKey).Hex())
	logs.WithTag("version", version).
		WithTag("log_level", conf.LogLevel).
		WithTag("endpoint", conf.PublicEndpoint).
		WithTag("wallet_address", walletAddress).
		WithTag("permissions_file", conf.PermissionsFile).
		Info("starting hagall server")

	hagallhttp.ListenAndServe(ctx,
		&http.Server{Addr: conf.Addr, Handler: metrics.HTTPHandler(&service,
			hagallhttp.MetricsPathFormatter)},
		&http.Server{Addr: conf.AdminAddr, Handler: &admin},
	)

	wg.Wait()
	sessions.CloseAll(context.Background())

	// unpair on exit
	if err = hdsClient.Unpair(); err != nil {
		logs.Warn(errors.New("unpair with hds failed").Wrap(err))
	}
}

func pairWithHDS(ctx context.Context, c *hds.Client, conf config) error {
	return c.Pair(ctx, hds.PairIn{
		Endpoint:             conf.PublicEndpoint,
		RegistrationInterval: conf.HDS.RegistrationInterval,
		HealthCheckTTL:       conf.HDS.HealthCheckTTL,
		RegistrationRetries:  conf.HDS.RegistrationRetries,
		Version:              version,
		Modules:              modules.Names(&vanish.Module{}),
		FeatureFlags:         conf.FeatureFlags,
	})
}

// reloadPermissionsOnHangup reloads the permissions file each time the process
// receives SIGHUP. Failed reloads keep the previous grants.
func reloadPermissionsOnHangup(ctx context.Context, perms *permissions.Store) {
	hangup := make(chan os.Signal, 1)
	signal.Notify(hangup, syscall.SIGHUP)
	defer signal.Stop(hangup)

	for {
		select {
		case <-ctx.Done():
			return

		case <-hangup:
			if err := perms.Reload(); err != nil {
				logs.Warn(errors.New("reloading permissions failed").
					WithTag("path", perms.Path).
					Wrap(err))
			}
		}
	}
}

func loadPrivateKey(conf config) (*ecdsa.PrivateKey, error) {
	privateKey := conf.PrivateKey

	if len(conf.PrivateKeyFile) != 0 {
		privateKeyBytes, err := os.ReadFile(conf.PrivateKeyFile)
		if err != nil {
			return nil, errors.New("error loading private key from file").
				WithTag("file_name", conf.PrivateKeyFile).
				Wrap(err)
		}
		privateKey = string(privateKeyBytes)
	}

	privateKey = strings.TrimPrefix(strings.TrimSpace(privateKey), "0x")

	if len(privateKey) == 0 {
		return nil, errors.New("private key is empty")
	}

	return crypto.HexToECDSA(privateKey)
}

func validateConfig(conf config) error {
	if _, err := url.ParseRequestURI(conf.PublicEndpoint); err != nil {
		return errors.New("invalid public endpoint").Wrap(err)
	}

	if len(conf.PrivateKey) != 0 &&
		len(conf.PrivateKeyFile) != 0 {
		return errors.New("have to specify either private key or private key file, not both")
	}

	if len(conf.PrivateKey) == 0 &&
		len(conf.PrivateKeyFile) == 0 {
		return errors.New("have to specify either private key or private key file")
	}

	if conf.Vanish.RestoreInterval <= 0 {
		return errors.New("vanish restore interval must be positive").
			WithTag("restore_interval", conf.Vanish.RestoreInterval)
	}

	if conf.Vanish.NoFollowRadius < 0 {
		return errors.New("vanish no follow radius must not be negative").
			WithTag("no_follow_radius", conf.Vanish.NoFollowRadius)
	}

	return nil
}

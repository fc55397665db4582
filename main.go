package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocppj"
	"github.com/sirupsen/logrus"

	"charge_point/actions"
	"charge_point/api"
	"charge_point/audit"
	"charge_point/chargepoint"
	"charge_point/config"
	"charge_point/connectivity"
	"charge_point/notifier"
	mqttnotifier "charge_point/notifier/mqtt"
	natsnotifier "charge_point/notifier/nats"
	"charge_point/sensor"
	"charge_point/storage"
	"charge_point/supervisor"
)

const (
	chargePointModel   = "EVSE-AC22"
	chargePointVendor  = "OpenEVSE"
	notificationBuffer = 64
)

var log *logrus.Logger

type stopper interface {
	Stop()
}

func setupStorage(cfg *config.Config) (audit.Storage, func()) {
	switch cfg.StorageBackend {
	case "redis":
		store, err := storage.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.ChargePointId+":")
		if err != nil {
			log.Fatalf("couldn't open redis storage: %v", err)
		}
		log.Infof("audit trail stored in redis at %v", cfg.RedisAddr)
		return store, func() { store.Close() }
	default:
		store, err := storage.NewFile(cfg.DataDir)
		if err != nil {
			log.Fatalf("couldn't open data directory: %v", err)
		}
		log.Infof("audit trail stored under %v", store.Root)
		return store, func() {}
	}
}

// probeAddress is the host:port dialed to tell whether the network is up.
func probeAddress(cfg *config.Config) string {
	if cfg.LinkProbeAddress != "" {
		return cfg.LinkProbeAddress
	}
	u, err := url.Parse(cfg.CentralSystemUrl)
	if err != nil {
		return ""
	}
	if u.Port() != "" {
		return u.Host
	}
	port := "80"
	if u.Scheme == "wss" || u.Scheme == "https" {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port)
}

func setupNotifier(cfg *config.Config, notifications notifier.Channel, operator actions.OperatorActions) stopper {
	switch cfg.Notifier {
	case "nats":
		natsNotifier := natsnotifier.New(cfg.NatsUrl, cfg.ChargePointId)
		natsNotifier.SetChannel(notifications)
		natsNotifier.SetTimeout(cfg.NatsRequestTimeout)
		for action, fn := range operator.Handlers() {
			natsNotifier.AddHandler(action, fn)
		}
		if err := natsNotifier.Start(); err != nil {
			log.Fatalf("couldn't start nats notifier: %v", err)
		}
		log.Infof("waiting up to %v for operator requests", natsNotifier.Timeout())
		return natsNotifier
	case "mqtt":
		mqttNotifier := mqttnotifier.New(cfg.MqttBroker, cfg.MqttClientId, cfg.ChargePointId, log)
		mqttNotifier.SetChannel(notifications)
		if err := mqttNotifier.Start(); err != nil {
			log.Fatalf("couldn't start mqtt notifier: %v", err)
		}
		return mqttNotifier
	}
	return nil
}

// Start function
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("%v", err)
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}
	ocppj.SetLogger(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore := setupStorage(cfg)
	defer closeStore()
	recorder := audit.NewRecorder(store, audit.SystemClock{}, cfg.AuditPath, log)
	recorder.Init()

	hw := sensor.NewSimulated(cfg.Connectors)
	monitor := connectivity.NewMonitor(recorder, cfg.FailureThreshold, log)
	cp := chargepoint.New(chargepoint.Config{
		ID:         cfg.ChargePointId,
		URL:        cfg.CentralSystemUrl,
		Model:      chargePointModel,
		Vendor:     chargePointVendor,
		Connectors: cfg.Connectors,
		Meter:      hw,
	}, log)

	var publisher supervisor.Publisher
	notifications := notifier.NewChannel(notificationBuffer)
	if cfg.Notifier != "none" {
		publisher = notifications
	}
	sup := supervisor.New(supervisor.Config{
		Connectors:          cfg.Connectors,
		MaxDeliveryFailures: cfg.MaxDeliveryFailures,
		ResetDelay:          cfg.ResetDelay,
	}, supervisor.Deps{
		Protocol: cp,
		Engine:   cp,
		Status:   cp,
		Sensor:   hw,
		Relay:    hw,
		Meter:    hw,
		Trail:    recorder,
		Monitor:  monitor,
		Notifier: publisher,
	}, log)
	cp.SetStation(sup)
	cp.SetLinkObserver(sup)
	recorder.OnRecord(sup.PublishRecord)

	operator := actions.InitializeOperatorActions(sup, recorder, hw)
	if n := setupNotifier(cfg, notifications, operator); n != nil {
		defer n.Stop()
	}

	if cfg.HttpAddr != "" {
		server := &http.Server{Addr: cfg.HttpAddr, Handler: api.NewServer(sup, recorder, log).Routes()}
		go func() {
			log.Infof("status API listening on %v", cfg.HttpAddr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("status API stopped: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			server.Shutdown(shutdownCtx)
		}()
	}

	if address := probeAddress(cfg); address != "" {
		go connectivity.RunProbe(ctx, connectivity.TCPProbe{Address: address}, cfg.LinkProbeInterval, sup)
	}

	go func() {
		log.Infof("connecting to central system %v as %v", cfg.CentralSystemUrl, cfg.ChargePointId)
		if err := cp.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Errorf("protocol engine stopped: %v", err)
		}
	}()

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			n := sup.ForceStop("shutdown")
			log.Infof("stopped charge point, %v session(s) aborted", n)
			return
		case <-ticker.C:
			sup.Tick()
		}
	}
}

func init() {
	log = logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	// Set this to DebugLevel if you want to retrieve verbose logs from the ocppj and websocket layers
	log.SetLevel(logrus.InfoLevel)
}

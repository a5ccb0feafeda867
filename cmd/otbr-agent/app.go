package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/godbus/dbus/v5"
	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	otbr "github.com/threadbr/go-otbr"
	"github.com/threadbr/go-otbr/dbusapi"
	"github.com/threadbr/go-otbr/dnssd"
	"github.com/threadbr/go-otbr/dnssdplat"
	"github.com/threadbr/go-otbr/mainloop"
	"github.com/threadbr/go-otbr/mdns"
	"github.com/threadbr/go-otbr/metrics"
	"go.uber.org/multierr"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"
)

type serviceSubscriptionKey struct {
	serviceType string
	instance    string
}

type App struct {
	cfg *Config
	log otbr.Logger

	lock *flock.Flock

	client    dnssd.Client
	manager   *mainloop.Manager
	publisher *mdns.Publisher
	platform  *dnssdplat.Platform
	subject   mdns.StateSubject

	registry *prometheus.Registry
	metrics  *metrics.Metrics
	cache    *discoveryCache
	server   *ApiServer
	dbus     dbusapi.Server

	// subscriptions made through the API, the publisher panics when asked
	// to cancel one it does not know
	serviceSubs map[serviceSubscriptionKey]struct{}
	hostSubs    map[string]struct{}

	nextRequestId dnssdplat.RequestId
}

func acquireLock(path string) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed creating lock directory: %w", err)
	}

	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed acquiring lock file %s: %w", path, err)
	} else if !locked {
		return nil, fmt.Errorf("another instance holds %s", path)
	}

	return lock, nil
}

// waitForDaemon pings the responder until it answers or the startup timeout
// elapses.
func waitForDaemon(ctx context.Context, log otbr.Logger, d *dnssd.Daemon, maxElapsed time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxElapsedTime = maxElapsed

	return backoff.RetryNotify(d.Ping, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		log.WithError(err).Warnf("responder at %s not reachable, retrying in %v", d.SocketPath(), next)
	})
}

func newClient(ctx context.Context, log otbr.Logger, cfg *Config) (dnssd.Client, error) {
	switch cfg.Backend {
	case BackendMdnsd:
		d := dnssd.NewDaemon(log, cfg.MdnsdSocket)
		if err := waitForDaemon(ctx, log, d, cfg.StartupTimeout); err != nil {
			return nil, fmt.Errorf("failed connecting to responder at %s: %w", d.SocketPath(), err)
		}

		log.Infof("using responder at %s", d.SocketPath())
		return d, nil
	case BackendBuiltin:
		var ifaces []net.Interface
		for _, name := range cfg.Interfaces {
			iface, err := net.InterfaceByName(name)
			if err != nil {
				return nil, fmt.Errorf("failed finding interface %s: %w", name, err)
			}
			ifaces = append(ifaces, *iface)
		}

		log.Infof("using builtin responder on %d interfaces", len(ifaces))
		return dnssd.NewBuiltin(log, ifaces), nil
	default:
		return nil, fmt.Errorf("unknown backend: %s", cfg.Backend)
	}
}

func NewApp(ctx context.Context, cfg *Config, log otbr.Logger) (app *App, err error) {
	app = &App{
		cfg:         cfg,
		log:         log,
		serviceSubs: make(map[serviceSubscriptionKey]struct{}),
		hostSubs:    make(map[string]struct{}),
	}

	defer func() {
		if err != nil {
			_ = app.Close()
		}
	}()

	if app.lock, err = acquireLock(cfg.LockFile); err != nil {
		return nil, err
	}

	if app.client, err = newClient(ctx, moduleLogger(log, "dnssd"), cfg); err != nil {
		return nil, err
	}

	if app.manager, err = mainloop.NewManager(moduleLogger(log, "mainloop"), cfg.PollTimeout); err != nil {
		return nil, fmt.Errorf("failed creating mainloop: %w", err)
	}

	app.registry = prometheus.NewRegistry()
	app.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if app.metrics, err = metrics.New(app.registry); err != nil {
		return nil, err
	}

	if app.cache, err = newDiscoveryCache(cfg.CacheSize); err != nil {
		return nil, fmt.Errorf("failed creating discovery cache: %w", err)
	}

	if cfg.Server.Enabled {
		app.server, err = NewApiServer(moduleLogger(log, "api"), cfg.Server.Address, cfg.Server.Port,
			cfg.Server.AllowOrigin, cfg.Server.CertFile, cfg.Server.KeyFile, app.registry)
		if err != nil {
			return nil, err
		}
	} else {
		app.server = NewStubApiServer(moduleLogger(log, "api"))
	}

	if cfg.DBus.Enabled {
		srv, err := dbusapi.NewServer(moduleLogger(log, "dbus"), cfg.DBus.SystemBus)
		if err != nil {
			return nil, fmt.Errorf("failed creating dbus server: %w", err)
		}
		app.dbus = srv
	} else {
		app.dbus = dbusapi.NewDummyServer()
	}

	app.publisher = mdns.New(moduleLogger(log, "mdns"), app.client, app.subject.UpdateState)
	app.publisher.SetMetrics(app.metrics)
	app.platform = dnssdplat.New(moduleLogger(log, "platform"), app.publisher, func(state dnssdplat.State) {
		log.Infof("dnssd platform state is %s", state)
	})

	app.subject.AddObserver(mdns.StateObserverFunc(app.handleMdnsState))
	app.subject.AddObserver(app.platform)
	app.subject.AddObserver(app.metrics)
	app.subject.AddObserver(app.dbus)
	app.subject.AddObserver(app.server)

	app.publisher.AddDiscoveryObserver(app.metrics)
	app.publisher.AddDiscoveryObserver(app.cache)
	app.publisher.AddDiscoveryObserver(app.dbus)
	app.publisher.AddDiscoveryObserver(app.server)

	app.manager.Add(app.publisher)

	return app, nil
}

func (app *App) handleMdnsState(state mdns.State) {
	if state == mdns.StateIdle {
		// the publisher dropped every subscription and registration
		clear(app.serviceSubs)
		clear(app.hostSubs)
		app.cache.Purge()
	}
}

func (app *App) newRequestId() dnssdplat.RequestId {
	app.nextRequestId++
	return app.nextRequestId
}

func (app *App) replyTo(req ApiRequest) dnssdplat.RegisterCallback {
	return func(id dnssdplat.RequestId, code dnssdplat.OtError) {
		app.log.Tracef("request %d (%s) completed with %s", id, req.Type, code)
		req.Reply(nil, resultError(code))
	}
}

func (app *App) status() *ApiResponseStatus {
	resp := &ApiResponseStatus{
		State:         app.publisher.State().String(),
		PlatformState: app.platform.State().String(),
		Backend:       app.cfg.Backend,
		Version:       otbr.VersionString(),
		Subscriptions: []ApiRequestDataSubscription{},
	}

	for key := range app.serviceSubs {
		resp.Subscriptions = append(resp.Subscriptions, ApiRequestDataSubscription{ServiceType: key.serviceType, Instance: key.instance})
	}
	for host := range app.hostSubs {
		resp.Subscriptions = append(resp.Subscriptions, ApiRequestDataSubscription{HostName: host})
	}

	slices.SortFunc(resp.Subscriptions, func(a, b ApiRequestDataSubscription) int {
		if a.ServiceType != b.ServiceType {
			return strings.Compare(a.ServiceType, b.ServiceType)
		} else if a.Instance != b.Instance {
			return strings.Compare(a.Instance, b.Instance)
		}
		return strings.Compare(a.HostName, b.HostName)
	})

	return resp
}

func (app *App) subscribeService(serviceType, instance string) error {
	if !app.publisher.IsStarted() {
		return ErrUnavailable
	}

	key := serviceSubscriptionKey{serviceType, instance}
	if _, ok := app.serviceSubs[key]; ok {
		return nil
	}

	app.serviceSubs[key] = struct{}{}
	app.publisher.SubscribeService(serviceType, instance)
	return nil
}

func (app *App) unsubscribeService(serviceType, instance string) error {
	key := serviceSubscriptionKey{serviceType, instance}
	if _, ok := app.serviceSubs[key]; !ok {
		return fmt.Errorf("no subscription to %s: %w", serviceType, ErrNotFound)
	}

	delete(app.serviceSubs, key)
	app.publisher.UnsubscribeService(serviceType, instance)
	return nil
}

func (app *App) subscribeHost(hostName string) error {
	if !app.publisher.IsStarted() {
		return ErrUnavailable
	}

	if _, ok := app.hostSubs[hostName]; ok {
		return nil
	}

	app.hostSubs[hostName] = struct{}{}
	app.publisher.SubscribeHost(hostName)
	return nil
}

func (app *App) unsubscribeHost(hostName string) error {
	if _, ok := app.hostSubs[hostName]; !ok {
		return fmt.Errorf("no subscription to %s: %w", hostName, ErrNotFound)
	}

	delete(app.hostSubs, hostName)
	app.publisher.UnsubscribeHost(hostName)
	return nil
}

// handleApiRequest runs on the mainloop. Registrations reply from the
// publisher callback, everything else replies right away.
func (app *App) handleApiRequest(req ApiRequest) {
	switch req.Type {
	case ApiRequestTypeStatus:
		req.Reply(app.status(), nil)
	case ApiRequestTypeListServices:
		serviceType, _ := req.Data.(string)
		req.Reply(app.cache.Services(serviceType), nil)
	case ApiRequestTypeListHosts:
		req.Reply(app.cache.Hosts(), nil)
	case ApiRequestTypePublishService:
		app.platform.RegisterService(req.Data.(ApiRequestDataService).toPlatform(), app.newRequestId(), app.replyTo(req))
	case ApiRequestTypeUnpublishService:
		app.platform.UnregisterService(req.Data.(ApiRequestDataService).toPlatform(), app.newRequestId(), app.replyTo(req))
	case ApiRequestTypePublishHost, ApiRequestTypeUnpublishHost:
		host, err := req.Data.(ApiRequestDataHost).toPlatform()
		if err != nil {
			req.Reply(nil, err)
			return
		}

		if req.Type == ApiRequestTypePublishHost {
			app.platform.RegisterHost(host, app.newRequestId(), app.replyTo(req))
		} else {
			app.platform.UnregisterHost(host, app.newRequestId(), app.replyTo(req))
		}
	case ApiRequestTypePublishKey:
		app.platform.RegisterKey(req.Data.(ApiRequestDataKey).toPlatform(), app.newRequestId(), app.replyTo(req))
	case ApiRequestTypeUnpublishKey:
		app.platform.UnregisterKey(req.Data.(ApiRequestDataKey).toPlatform(), app.newRequestId(), app.replyTo(req))
	case ApiRequestTypeSubscribeService:
		data := req.Data.(ApiRequestDataSubscription)
		req.Reply(nil, app.subscribeService(data.ServiceType, data.Instance))
	case ApiRequestTypeUnsubscribeService:
		data := req.Data.(ApiRequestDataSubscription)
		req.Reply(nil, app.unsubscribeService(data.ServiceType, data.Instance))
	case ApiRequestTypeSubscribeHost:
		req.Reply(nil, app.subscribeHost(req.Data.(ApiRequestDataSubscription).HostName))
	case ApiRequestTypeUnsubscribeHost:
		req.Reply(nil, app.unsubscribeHost(req.Data.(ApiRequestDataSubscription).HostName))
	default:
		req.Reply(nil, fmt.Errorf("unknown request %s: %w", req.Type, ErrBadRequest))
	}
}

// handleDbusCommand runs on the mainloop.
func (app *App) handleDbusCommand(cmd dbusapi.Command) {
	var err error
	switch cmd.Type {
	case dbusapi.CommandSubscribeService:
		err = app.subscribeService(cmd.ServiceType, cmd.InstanceName)
	case dbusapi.CommandUnsubscribeService:
		err = app.unsubscribeService(cmd.ServiceType, cmd.InstanceName)
	case dbusapi.CommandSubscribeHost:
		err = app.subscribeHost(cmd.HostName)
	case dbusapi.CommandUnsubscribeHost:
		err = app.unsubscribeHost(cmd.HostName)
	}

	if err != nil {
		cmd.Reply(dbusapi.CommandResponse{Err: dbus.MakeFailedError(err)})
	} else {
		cmd.Reply(dbusapi.CommandResponse{})
	}
}

// forward hands API and bus requests to the mainloop until ctx is done.
func (app *App) forward(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-app.server.Receive():
			app.manager.Post(func() { app.handleApiRequest(req) })
		case cmd := <-app.dbus.Receive():
			app.manager.Post(func() { app.handleDbusCommand(cmd) })
		}
	}
}

// Run starts the publisher and blocks until ctx is cancelled or a runner
// fails. The publisher is stopped on the mainloop goroutine before Run
// returns.
func (app *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		app.manager.Post(func() {
			if err := app.publisher.Start(); err != nil {
				app.log.WithError(err).Errorf("failed starting mdns publisher")
			}
		})

		err := app.manager.Run(ctx)

		app.publisher.Stop()
		app.subject.Clear()
		return err
	})
	g.Go(app.server.Serve)
	g.Go(func() error {
		<-ctx.Done()
		app.server.Close()
		return nil
	})
	g.Go(func() error {
		return app.forward(ctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (app *App) Close() error {
	var err error
	if app.server != nil {
		app.server.Close()
	}
	if app.dbus != nil {
		app.dbus.Close()
	}
	if app.manager != nil {
		err = multierr.Append(err, app.manager.Close())
	}
	if app.lock != nil {
		err = multierr.Append(err, app.lock.Unlock())
	}
	return err
}

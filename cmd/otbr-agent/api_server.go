package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	otbr "github.com/threadbr/go-otbr"
	"github.com/threadbr/go-otbr/dnssd"
	"github.com/threadbr/go-otbr/dnssdplat"
	"github.com/threadbr/go-otbr/mdns"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const timeout = 10 * time.Second

type ApiServer struct {
	log otbr.Logger

	allowOrigin string
	certFile    string
	keyFile     string
	gatherer    prometheus.Gatherer

	close    atomic.Bool
	listener net.Listener

	requests chan ApiRequest
	events   chan *ApiEvent
	stop     chan struct{}
	wg       sync.WaitGroup

	clients     []*websocket.Conn
	clientsLock sync.RWMutex
}

var (
	_ mdns.StateObserver     = (*ApiServer)(nil)
	_ mdns.DiscoveryObserver = (*ApiServer)(nil)
)

var (
	ErrBadRequest       = errors.New("bad request")
	ErrNotFound         = errors.New("not found")
	ErrMethodNotAllowed = errors.New("method not allowed")
	ErrUnavailable      = errors.New("publisher not ready")
)

type ApiRequestType string

const (
	ApiRequestTypeStatus             ApiRequestType = "status"
	ApiRequestTypeListServices       ApiRequestType = "list_services"
	ApiRequestTypeListHosts          ApiRequestType = "list_hosts"
	ApiRequestTypePublishService     ApiRequestType = "publish_service"
	ApiRequestTypeUnpublishService   ApiRequestType = "unpublish_service"
	ApiRequestTypePublishHost        ApiRequestType = "publish_host"
	ApiRequestTypeUnpublishHost      ApiRequestType = "unpublish_host"
	ApiRequestTypePublishKey         ApiRequestType = "publish_key"
	ApiRequestTypeUnpublishKey       ApiRequestType = "unpublish_key"
	ApiRequestTypeSubscribeService   ApiRequestType = "subscribe_service"
	ApiRequestTypeUnsubscribeService ApiRequestType = "unsubscribe_service"
	ApiRequestTypeSubscribeHost      ApiRequestType = "subscribe_host"
	ApiRequestTypeUnsubscribeHost    ApiRequestType = "unsubscribe_host"
)

type ApiEventType string

const (
	ApiEventTypeState                ApiEventType = "state"
	ApiEventTypeServiceResolved      ApiEventType = "service_resolved"
	ApiEventTypeServiceRemoved       ApiEventType = "service_removed"
	ApiEventTypeServiceResolveFailed ApiEventType = "service_resolve_failed"
	ApiEventTypeHostResolved         ApiEventType = "host_resolved"
	ApiEventTypeHostResolveFailed    ApiEventType = "host_resolve_failed"
)

type ApiRequest struct {
	Type ApiRequestType
	Data any

	resp chan apiResponse
}

// Reply must be called exactly once, it never blocks.
func (r *ApiRequest) Reply(data any, err error) {
	r.resp <- apiResponse{data, err}
}

type ApiRequestDataService struct {
	HostName    string   `json:"host_name"`
	Instance    string   `json:"instance"`
	ServiceType string   `json:"service_type"`
	SubTypes    []string `json:"sub_types"`
	Port        uint16   `json:"port"`
	Txt         []string `json:"txt"`
}

func (d ApiRequestDataService) toPlatform() dnssdplat.Service {
	return dnssdplat.Service{
		HostName:        d.HostName,
		ServiceInstance: d.Instance,
		ServiceType:     d.ServiceType,
		SubTypeLabels:   d.SubTypes,
		TxtData:         dnssd.TxtFromStrings(d.Txt),
		Port:            d.Port,
	}
}

type ApiRequestDataHost struct {
	HostName  string   `json:"host_name"`
	Addresses []string `json:"addresses"`
}

func (d ApiRequestDataHost) toPlatform() (dnssdplat.Host, error) {
	host := dnssdplat.Host{HostName: d.HostName}
	for _, s := range d.Addresses {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return host, fmt.Errorf("invalid address %s: %w", s, ErrBadRequest)
		}
		host.Addresses = append(host.Addresses, addr)
	}
	return host, nil
}

type ApiRequestDataKey struct {
	Name        string `json:"name"`
	ServiceType string `json:"service_type"`
	KeyData     []byte `json:"key_data"`
}

func (d ApiRequestDataKey) toPlatform() dnssdplat.Key {
	return dnssdplat.Key{Name: d.Name, ServiceType: d.ServiceType, KeyData: d.KeyData}
}

type ApiRequestDataSubscription struct {
	ServiceType string `json:"service_type"`
	Instance    string `json:"instance"`
	HostName    string `json:"host_name"`
}

type apiResponse struct {
	data any
	err  error
}

// platformError carries a failed registration result back to the client.
type platformError struct {
	Code dnssdplat.OtError
}

func (e platformError) Error() string {
	return fmt.Sprintf("registration failed: %s", e.Code)
}

func resultError(code dnssdplat.OtError) error {
	if code == dnssdplat.OtErrorNone {
		return nil
	}

	return platformError{code}
}

func statusForOtError(code dnssdplat.OtError) int {
	switch code {
	case dnssdplat.OtErrorNone:
		return http.StatusOK
	case dnssdplat.OtErrorDuplicated:
		return http.StatusConflict
	case dnssdplat.OtErrorInvalidArgs, dnssdplat.OtErrorParse:
		return http.StatusBadRequest
	case dnssdplat.OtErrorNotFound:
		return http.StatusNotFound
	case dnssdplat.OtErrorNotImplemented:
		return http.StatusNotImplemented
	case dnssdplat.OtErrorInvalidState, dnssdplat.OtErrorAbort:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type ApiResponseStatus struct {
	State         string                       `json:"state"`
	PlatformState string                       `json:"platform_state"`
	Backend       string                       `json:"backend"`
	Version       string                       `json:"version"`
	Subscriptions []ApiRequestDataSubscription `json:"subscriptions"`
}

type ApiEvent struct {
	Type ApiEventType `json:"type"`
	Data any          `json:"data"`
}

type ApiEventDataState struct {
	State string `json:"state"`
}

type ApiEventDataServiceRemoved struct {
	ServiceType string `json:"service_type"`
	Instance    string `json:"instance"`
	NetifIndex  uint32 `json:"netif_index"`
}

type ApiEventDataResolveFailed struct {
	ServiceType string `json:"service_type,omitempty"`
	Instance    string `json:"instance,omitempty"`
	HostName    string `json:"host_name,omitempty"`
	Error       string `json:"error"`
}

func NewApiServer(log otbr.Logger, address string, port int, allowOrigin, certFile, keyFile string, gatherer prometheus.Gatherer) (_ *ApiServer, err error) {
	s := newApiServer(log)
	s.allowOrigin = allowOrigin
	s.certFile = certFile
	s.keyFile = keyFile
	s.gatherer = gatherer

	s.listener, err = net.Listen("tcp", fmt.Sprintf("%s:%d", address, port))
	if err != nil {
		return nil, fmt.Errorf("failed starting api listener: %w", err)
	}

	log.Infof("api server listening on %s", s.listener.Addr())

	s.wg.Add(1)
	go s.emitLoop()

	return s, nil
}

// NewStubApiServer creates a server that never receives requests and drops
// every event.
func NewStubApiServer(log otbr.Logger) *ApiServer {
	return newApiServer(log)
}

func newApiServer(log otbr.Logger) *ApiServer {
	return &ApiServer{
		log:      log,
		requests: make(chan ApiRequest),
		events:   make(chan *ApiEvent, 64),
		stop:     make(chan struct{}),
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func (s *ApiServer) handleRequest(req ApiRequest, w http.ResponseWriter, r *http.Request) {
	req.resp = make(chan apiResponse, 1)

	select {
	case s.requests <- req:
	case <-s.stop:
		writeError(w, http.StatusServiceUnavailable, ErrUnavailable)
		return
	case <-r.Context().Done():
		return
	}

	var resp apiResponse
	select {
	case resp = <-req.resp:
	case <-s.stop:
		writeError(w, http.StatusServiceUnavailable, ErrUnavailable)
		return
	case <-r.Context().Done():
		return
	}

	if resp.err != nil {
		var perr platformError
		switch {
		case errors.As(resp.err, &perr):
			writeError(w, statusForOtError(perr.Code), resp.err)
		case errors.Is(resp.err, ErrNotFound):
			writeError(w, http.StatusNotFound, resp.err)
		case errors.Is(resp.err, ErrBadRequest):
			writeError(w, http.StatusBadRequest, resp.err)
		case errors.Is(resp.err, ErrUnavailable):
			writeError(w, http.StatusServiceUnavailable, resp.err)
		default:
			s.log.WithError(resp.err).Errorf("failed handling request %s", req.Type)
			w.WriteHeader(http.StatusInternalServerError)
		}
		return
	}

	if resp.data == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp.data)
}

func decodeBody[T any](w http.ResponseWriter, r *http.Request) (data T, ok bool) {
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %w", ErrBadRequest, err))
		return data, false
	}

	return data, true
}

func (s *ApiServer) handleServices(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleRequest(ApiRequest{Type: ApiRequestTypeListServices, Data: r.URL.Query().Get("service_type")}, w, r)
	case http.MethodPost, http.MethodDelete:
		data, ok := decodeBody[ApiRequestDataService](w, r)
		if !ok {
			return
		}

		if len(data.Instance) == 0 || len(data.ServiceType) == 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("instance and service_type are required: %w", ErrBadRequest))
			return
		}

		typ := ApiRequestTypePublishService
		if r.Method == http.MethodDelete {
			typ = ApiRequestTypeUnpublishService
		}

		s.handleRequest(ApiRequest{Type: typ, Data: data}, w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *ApiServer) handleHosts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleRequest(ApiRequest{Type: ApiRequestTypeListHosts}, w, r)
	case http.MethodPost, http.MethodDelete:
		data, ok := decodeBody[ApiRequestDataHost](w, r)
		if !ok {
			return
		}

		if len(data.HostName) == 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("host_name is required: %w", ErrBadRequest))
			return
		}

		typ := ApiRequestTypePublishHost
		if r.Method == http.MethodDelete {
			typ = ApiRequestTypeUnpublishHost
		}

		s.handleRequest(ApiRequest{Type: typ, Data: data}, w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *ApiServer) handleKeys(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	data, ok := decodeBody[ApiRequestDataKey](w, r)
	if !ok {
		return
	}

	if len(data.Name) == 0 || (r.Method == http.MethodPost && len(data.KeyData) == 0) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("name and key_data are required: %w", ErrBadRequest))
		return
	}

	typ := ApiRequestTypePublishKey
	if r.Method == http.MethodDelete {
		typ = ApiRequestTypeUnpublishKey
	}

	s.handleRequest(ApiRequest{Type: typ, Data: data}, w, r)
}

func (s *ApiServer) handleSubscriptions(service bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost && r.Method != http.MethodDelete {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		data, ok := decodeBody[ApiRequestDataSubscription](w, r)
		if !ok {
			return
		}

		var typ ApiRequestType
		if service {
			if len(data.ServiceType) == 0 {
				writeError(w, http.StatusBadRequest, fmt.Errorf("service_type is required: %w", ErrBadRequest))
				return
			}

			typ = ApiRequestTypeSubscribeService
			if r.Method == http.MethodDelete {
				typ = ApiRequestTypeUnsubscribeService
			}
		} else {
			if len(data.HostName) == 0 {
				writeError(w, http.StatusBadRequest, fmt.Errorf("host_name is required: %w", ErrBadRequest))
				return
			}

			typ = ApiRequestTypeSubscribeHost
			if r.Method == http.MethodDelete {
				typ = ApiRequestTypeUnsubscribeHost
			}
		}

		s.handleRequest(ApiRequest{Type: typ, Data: data}, w, r)
	}
}

func (s *ApiServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowOrigin) > 0 {
		allow := s.allowOrigin
		allow = strings.TrimPrefix(allow, "http://")
		allow = strings.TrimPrefix(allow, "https://")
		allow = strings.TrimSuffix(allow, "/")
		opts.OriginPatterns = []string{allow}
	}

	c, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.log.WithError(err).Error("failed accepting websocket connection")
		return
	}

	s.clientsLock.Lock()
	s.clients = append(s.clients, c)
	s.clientsLock.Unlock()

	s.log.Debugf("new websocket client")

	for {
		_, _, err := c.Read(context.Background())
		if s.close.Load() {
			return
		} else if err != nil {
			s.log.WithError(err).Debug("websocket connection closed")

			s.clientsLock.Lock()
			for i, cc := range s.clients {
				if cc == c {
					s.clients = append(s.clients[:i], s.clients[i+1:]...)
					break
				}
			}
			s.clientsLock.Unlock()
			return
		}
	}
}

func (s *ApiServer) handler() http.Handler {
	m := http.NewServeMux()
	m.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("{}"))
	})
	m.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		s.handleRequest(ApiRequest{Type: ApiRequestTypeStatus}, w, r)
	})
	m.HandleFunc("/services", s.handleServices)
	m.HandleFunc("/hosts", s.handleHosts)
	m.HandleFunc("/keys", s.handleKeys)
	m.HandleFunc("/subscriptions/services", s.handleSubscriptions(true))
	m.HandleFunc("/subscriptions/hosts", s.handleSubscriptions(false))
	if s.gatherer != nil {
		m.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	m.HandleFunc("/events", s.handleEvents)

	c := cors.New(cors.Options{
		AllowedOrigins:      []string{s.allowOrigin},
		AllowedMethods:      []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowPrivateNetwork: true,
		AllowCredentials:    true,
	})

	return c.Handler(m)
}

// Serve blocks until the server is closed.
func (s *ApiServer) Serve() error {
	if s.listener == nil {
		<-s.stop
		return nil
	}

	var err error
	if len(s.certFile) > 0 && len(s.keyFile) > 0 {
		err = http.ServeTLS(s.listener, s.handler(), s.certFile, s.keyFile)
	} else {
		err = http.Serve(s.listener, s.handler())
	}

	if s.close.Load() {
		return nil
	} else if err != nil {
		return fmt.Errorf("failed serving api: %w", err)
	}

	return nil
}

// Emit queues ev for every websocket client. Events are dropped when the
// clients cannot keep up.
func (s *ApiServer) Emit(ev *ApiEvent) {
	if s.listener == nil {
		return
	}

	select {
	case s.events <- ev:
	default:
		s.log.Warnf("dropping websocket event %s", ev.Type)
	}
}

func (s *ApiServer) emitLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stop:
			return
		case ev := <-s.events:
			s.broadcast(ev)
		}
	}
}

func (s *ApiServer) broadcast(ev *ApiEvent) {
	s.clientsLock.RLock()
	defer s.clientsLock.RUnlock()

	s.log.Tracef("emitting websocket event: %s", ev.Type)

	for _, client := range s.clients {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := wsjson.Write(ctx, client, ev)
		cancel()
		if err != nil {
			// purposely do not propagate this to the caller
			s.log.WithError(err).Error("failed communicating with websocket client")
		}
	}
}

func (s *ApiServer) HandleMdnsState(state mdns.State) {
	s.Emit(&ApiEvent{Type: ApiEventTypeState, Data: ApiEventDataState{State: state.String()}})
}

func (s *ApiServer) OnServiceResolved(serviceType string, info mdns.DiscoveredInstanceInfo) {
	s.Emit(&ApiEvent{Type: ApiEventTypeServiceResolved, Data: cachedService{
		ServiceType: serviceType,
		Instance:    info.Name,
		HostName:    info.HostName,
		Port:        info.Port,
		Addresses:   addrStrings(info.Addresses),
		TxtData:     info.TxtData,
		NetifIndex:  info.NetifIndex,
		TTL:         info.TTL,
	}})
}

func (s *ApiServer) OnServiceRemoved(netifIndex uint32, serviceType, instanceName string) {
	s.Emit(&ApiEvent{Type: ApiEventTypeServiceRemoved, Data: ApiEventDataServiceRemoved{
		ServiceType: serviceType,
		Instance:    instanceName,
		NetifIndex:  netifIndex,
	}})
}

func (s *ApiServer) OnServiceResolveFailed(serviceType, instanceName string, code dnssd.ErrorCode) {
	s.Emit(&ApiEvent{Type: ApiEventTypeServiceResolveFailed, Data: ApiEventDataResolveFailed{
		ServiceType: serviceType,
		Instance:    instanceName,
		Error:       code.String(),
	}})
}

func (s *ApiServer) OnHostResolved(hostName string, info mdns.DiscoveredHostInfo) {
	s.Emit(&ApiEvent{Type: ApiEventTypeHostResolved, Data: cachedHost{
		HostName:   hostName,
		Addresses:  addrStrings(info.Addresses),
		NetifIndex: info.NetifIndex,
		TTL:        info.TTL,
	}})
}

func (s *ApiServer) OnHostResolveFailed(hostName string, code dnssd.ErrorCode) {
	s.Emit(&ApiEvent{Type: ApiEventTypeHostResolveFailed, Data: ApiEventDataResolveFailed{
		HostName: hostName,
		Error:    code.String(),
	}})
}

func (s *ApiServer) Receive() <-chan ApiRequest {
	return s.requests
}

func (s *ApiServer) Close() {
	if !s.close.CompareAndSwap(false, true) {
		return
	}

	close(s.stop)
	s.wg.Wait()

	s.clientsLock.RLock()
	for _, client := range s.clients {
		_ = client.Close(websocket.StatusGoingAway, "")
	}
	s.clientsLock.RUnlock()

	if s.listener != nil {
		_ = s.listener.Close()
	}
}

package main

import (
	"net/netip"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/threadbr/go-otbr/dnssd"
	"github.com/threadbr/go-otbr/mdns"
)

type cachedService struct {
	ServiceType string   `json:"service_type"`
	Instance    string   `json:"instance"`
	HostName    string   `json:"host_name"`
	Port        uint16   `json:"port"`
	Addresses   []string `json:"addresses"`
	TxtData     []byte   `json:"txt_data,omitempty"`
	NetifIndex  uint32   `json:"netif_index"`
	TTL         uint32   `json:"ttl"`
}

type cachedHost struct {
	HostName   string   `json:"host_name"`
	Addresses  []string `json:"addresses"`
	NetifIndex uint32   `json:"netif_index"`
	TTL        uint32   `json:"ttl"`
}

// discoveryCache keeps the latest discovery results for the API. It is fed
// from the mainloop and read from HTTP handlers, the lru caches are safe for
// concurrent use.
type discoveryCache struct {
	services *lru.Cache[string, cachedService]
	hosts    *lru.Cache[string, cachedHost]
}

var _ mdns.DiscoveryObserver = (*discoveryCache)(nil)

func newDiscoveryCache(size int) (*discoveryCache, error) {
	services, err := lru.New[string, cachedService](size)
	if err != nil {
		return nil, err
	}

	hosts, err := lru.New[string, cachedHost](size)
	if err != nil {
		return nil, err
	}

	return &discoveryCache{services: services, hosts: hosts}, nil
}

func serviceCacheKey(serviceType, instance string) string {
	return strings.ToLower(serviceType) + "/" + strings.ToLower(instance)
}

func addrStrings(addrs []netip.Addr) []string {
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, addr.String())
	}
	return out
}

func (c *discoveryCache) OnServiceResolved(serviceType string, info mdns.DiscoveredInstanceInfo) {
	c.services.Add(serviceCacheKey(serviceType, info.Name), cachedService{
		ServiceType: serviceType,
		Instance:    info.Name,
		HostName:    info.HostName,
		Port:        info.Port,
		Addresses:   addrStrings(info.Addresses),
		TxtData:     info.TxtData,
		NetifIndex:  info.NetifIndex,
		TTL:         info.TTL,
	})
}

func (c *discoveryCache) OnServiceRemoved(_ uint32, serviceType, instanceName string) {
	c.services.Remove(serviceCacheKey(serviceType, instanceName))
}

func (c *discoveryCache) OnServiceResolveFailed(string, string, dnssd.ErrorCode) {}

func (c *discoveryCache) OnHostResolved(hostName string, info mdns.DiscoveredHostInfo) {
	c.hosts.Add(strings.ToLower(hostName), cachedHost{
		HostName:   hostName,
		Addresses:  addrStrings(info.Addresses),
		NetifIndex: info.NetifIndex,
		TTL:        info.TTL,
	})
}

func (c *discoveryCache) OnHostResolveFailed(string, dnssd.ErrorCode) {}

// Services returns the cached instances, optionally restricted to a type.
func (c *discoveryCache) Services(serviceType string) []cachedService {
	out := make([]cachedService, 0, c.services.Len())
	for _, svc := range c.services.Values() {
		if serviceType != "" && !strings.EqualFold(svc.ServiceType, serviceType) {
			continue
		}
		out = append(out, svc)
	}

	sort.Slice(out, func(i, j int) bool {
		return serviceCacheKey(out[i].ServiceType, out[i].Instance) < serviceCacheKey(out[j].ServiceType, out[j].Instance)
	})
	return out
}

func (c *discoveryCache) Hosts() []cachedHost {
	out := c.hosts.Values()
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].HostName) < strings.ToLower(out[j].HostName)
	})
	return out
}

func (c *discoveryCache) Purge() {
	c.services.Purge()
	c.hosts.Purge()
}

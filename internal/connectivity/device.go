package connectivity

import (
	"context"
	"net"
	"sync"
	"time"
)

// DeviceSource reports platform network presence.
type DeviceSource interface {
	Online() bool
	// Subscribe delivers the latest presence after every change. The
	// returned func releases the subscription.
	Subscribe() (<-chan bool, func())
}

// ManualSource is a DeviceSource driven by Set.
type ManualSource struct {
	mu     sync.Mutex
	online bool
	subs   map[chan bool]struct{}
}

// NewManualSource starts in the given presence state.
func NewManualSource(online bool) *ManualSource {
	return &ManualSource{online: online, subs: make(map[chan bool]struct{})}
}

// Online reports the last value passed to Set.
func (s *ManualSource) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Set records presence and notifies subscribers when it changed.
func (s *ManualSource) Set(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.online == online {
		return
	}
	s.online = online
	for ch := range s.subs {
		// Each channel holds only the latest value.
		select {
		case <-ch:
		default:
		}
		ch <- online
	}
}

// Subscribe delivers presence changes until the returned cancel func runs.
func (s *ManualSource) Subscribe() (<-chan bool, func()) {
	ch := make(chan bool, 1)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, ch)
			s.mu.Unlock()
		})
	}
}

// InterfaceSource derives presence from the host's network interfaces: the
// device is online when any non-loopback interface is up with a routable
// address.
type InterfaceSource struct {
	*ManualSource
	interval time.Duration
	detect   func() bool
}

// NewInterfaceSource polls the host interfaces every interval once Run starts.
func NewInterfaceSource(interval time.Duration) *InterfaceSource {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &InterfaceSource{
		ManualSource: NewManualSource(hasRoutableInterface()),
		interval:     interval,
		detect:       hasRoutableInterface,
	}
}

// Run polls the interfaces until ctx is done.
func (s *InterfaceSource) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Set(s.detect())
		}
	}
}

func hasRoutableInterface() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipnet.IP
			if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
				continue
			}
			return true
		}
	}
	return false
}

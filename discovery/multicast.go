package discovery

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/latticanet/lattica"
	"github.com/latticanet/lattica/slogger"
)

// DefaultMulticastAddr is the probe group hosts on the local segment join.
const DefaultMulticastAddr = "239.77.84.76:47474"

const probeMessage = `{"type":"lattica_probe","version":1}`

// MulticastSource probes the local network segment for hosts. A probe is
// broadcast to the multicast group and announcements are collected until the
// context expires. Useful on LANs with co-located inference boxes; absent
// hosts simply produce an empty result.
type MulticastSource struct {
	addr   string
	logger slogger.Logger
}

func NewMulticastSource(addr string, logger slogger.Logger) *MulticastSource {
	if addr == "" {
		addr = DefaultMulticastAddr
	}
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	return &MulticastSource{addr: addr, logger: logger}
}

func (m *MulticastSource) Name() lattica.DiscoverySource {
	return lattica.SourceLocalMulticast
}

func (m *MulticastSource) Discover(ctx context.Context) ([]*lattica.DiscoveryObservation, error) {
	group, err := net.ResolveUDPAddr("udp4", m.addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if _, err := conn.WriteToUDP([]byte(probeMessage), group); err != nil {
		return nil, err
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultSourceTimeout)
	}
	conn.SetReadDeadline(deadline)

	var observations []*lattica.DiscoveryObservation
	buf := make([]byte, 64<<10)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			// Deadline expiry ends collection; whatever arrived counts.
			return observations, nil
		}
		var announce struct {
			Type string        `json:"type"`
			Host *lattica.Host `json:"host"`
		}
		if err := json.Unmarshal(buf[:n], &announce); err != nil || announce.Type != "lattica_announce" || announce.Host == nil {
			m.logger.Debug("ignoring multicast datagram", "from", from.String())
			continue
		}
		announce.Host.Source = lattica.SourceLocalMulticast
		if announce.Host.URL == "" {
			announce.Host.URL = "http://" + from.IP.String()
		}
		now := time.Now()
		announce.Host.LastSeenAt = now
		observations = append(observations, &lattica.DiscoveryObservation{
			HostID:     announce.Host.ID,
			Source:     lattica.SourceLocalMulticast,
			ObservedAt: now,
			Host:       announce.Host,
		})
	}
}

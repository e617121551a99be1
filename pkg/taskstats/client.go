// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build linux

package taskstats

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

// ErrPermission indicates the process lacks the privilege to open the
// taskstats netlink family (root or CAP_NET_ADMIN).
var ErrPermission = errors.New("opening the taskstats netlink family requires root or CAP_NET_ADMIN")

// Client queries per-task counters over the taskstats generic-netlink
// family. It is safe for concurrent use; queries are serialized over the
// single underlying socket.
type Client struct {
	logger logr.Logger

	mu     sync.Mutex
	conn   *genetlink.Conn
	family uint16
}

// Open connects to the kernel and resolves the taskstats family ID.
func Open(logger logr.Logger) (*Client, error) {
	conn, family, err := dial()
	if err != nil {
		if errors.Is(err, unix.EPERM) || errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("%w: %w", ErrPermission, err)
		}
		return nil, fmt.Errorf("failed to open taskstats client: %w", err)
	}

	return &Client{
		logger: logger.WithName("taskstats"),
		conn:   conn,
		family: family,
	}, nil
}

func dial() (*genetlink.Conn, uint16, error) {
	conn, err := genetlink.Dial(nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to dial generic netlink: %w", err)
	}

	family, err := conn.GetFamily(unix.TASKSTATS_GENL_NAME)
	if err != nil {
		conn.Close()
		return nil, 0, fmt.Errorf("failed to resolve taskstats family: %w", err)
	}

	return conn, family.ID, nil
}

// Close releases the netlink socket.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// PIDStats queries the counters for a single TID. The second return value
// is false when the task vanished between enumeration and the query.
func (c *Client) PIDStats(tid int32) (Stats, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConn(); err != nil {
		return Stats{}, false, err
	}

	ae := netlink.NewAttributeEncoder()
	ae.Uint32(unix.TASKSTATS_CMD_ATTR_PID, uint32(tid))
	data, err := ae.Encode()
	if err != nil {
		return Stats{}, false, fmt.Errorf("failed to encode taskstats request: %w", err)
	}

	req := genetlink.Message{
		Header: genetlink.Header{
			Command: unix.TASKSTATS_CMD_GET,
			Version: unix.TASKSTATS_GENL_VERSION,
		},
		Data: data,
	}

	msgs, err := c.conn.Execute(req, c.family, netlink.Request)
	if err != nil {
		if errors.Is(err, unix.ESRCH) || errors.Is(err, os.ErrNotExist) {
			return Stats{}, false, nil
		}
		// Transport failure: drop the socket and redial on the next
		// query.
		c.logger.Error(err, "taskstats query failed, dropping connection", "tid", tid)
		c.conn.Close()
		c.conn = nil
		return Stats{}, false, fmt.Errorf("taskstats query for tid %d failed: %w", tid, err)
	}

	for _, m := range msgs {
		stats, ok, err := parseResponse(m.Data)
		if err != nil {
			return Stats{}, false, err
		}
		if ok {
			return stats, true, nil
		}
	}

	return Stats{}, false, nil
}

// ensureConn redials after a transport failure. Caller holds c.mu.
func (c *Client) ensureConn() error {
	if c.conn != nil {
		return nil
	}

	type connFamily struct {
		conn   *genetlink.Conn
		family uint16
	}

	cf, err := backoff.Retry(context.Background(), func() (connFamily, error) {
		conn, family, err := dial()
		if err != nil {
			c.logger.V(1).Info("taskstats redial failed, retrying", "error", err)
			return connFamily{}, err
		}
		return connFamily{conn: conn, family: family}, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(3))
	if err != nil {
		return fmt.Errorf("failed to reconnect taskstats client: %w", err)
	}

	c.conn = cf.conn
	c.family = cf.family
	c.logger.V(1).Info("taskstats connection reestablished")
	return nil
}

func parseResponse(data []byte) (Stats, bool, error) {
	ad, err := netlink.NewAttributeDecoder(data)
	if err != nil {
		return Stats{}, false, fmt.Errorf("failed to decode taskstats reply: %w", err)
	}

	var stats Stats
	var found bool

	for ad.Next() {
		switch ad.Type() {
		case unix.TASKSTATS_TYPE_AGGR_PID, unix.TASKSTATS_TYPE_AGGR_TGID:
			ad.Nested(func(nad *netlink.AttributeDecoder) error {
				for nad.Next() {
					if nad.Type() == unix.TASKSTATS_TYPE_STATS {
						s, err := decodeTaskstats(nad.Bytes())
						if err != nil {
							return err
						}
						stats = s
						found = true
					}
				}
				return nil
			})
		}
	}
	if err := ad.Err(); err != nil {
		return Stats{}, false, fmt.Errorf("malformed taskstats reply: %w", err)
	}

	return stats, found, nil
}

// decodeTaskstats maps the kernel's struct taskstats blob onto the five
// counters. The struct grows with the kernel's taskstats version, so the
// blob length rarely matches the struct known at build time: longer blobs
// carry fields we ignore, shorter ones are padded with zeros. The blob
// must still cover cancelled_write_bytes, present since version 1.
func decodeTaskstats(b []byte) (Stats, error) {
	var zero unix.Taskstats
	want := int(unsafe.Offsetof(zero.Cancelled_write_bytes) + unsafe.Sizeof(zero.Cancelled_write_bytes))
	if len(b) < want {
		return Stats{}, fmt.Errorf("taskstats payload too short: %d bytes, want at least %d", len(b), want)
	}

	raw := make([]byte, unsafe.Sizeof(zero))
	copy(raw, b)
	ts := *(*unix.Taskstats)(unsafe.Pointer(&raw[0]))

	if ts.Blkio_delay_total != 0 {
		hasDelayAcct.Store(true)
	}

	return Stats{
		BlkioDelayTotal:     ts.Blkio_delay_total,
		SwapinDelayTotal:    ts.Swapin_delay_total,
		ReadBytes:           ts.Read_bytes,
		WriteBytes:          ts.Write_bytes,
		CancelledWriteBytes: ts.Cancelled_write_bytes,
	}, nil
}

// Copyright 2023 N4-Networks.com
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package netmon watches the WAN interface for IPv4 address changes over a
// netlink subscription. An address change is a device-side value change: it
// wakes the session engine.
package netmon

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/vishvananda/netlink"
)

// Trigger receives address-change notifications.
type Trigger interface {
	AddressChanged()
}

// Watcher subscribes to address updates for one interface.
type Watcher struct {
	log     *slog.Logger
	iface   string
	trigger Trigger

	currentIP net.IP
}

// New builds a watcher for the configured local interface.
func New(iface string, trigger Trigger, log *slog.Logger) *Watcher {
	return &Watcher{log: log, iface: iface, trigger: trigger}
}

// CurrentIP returns the last address seen on the interface.
func (w *Watcher) CurrentIP() net.IP { return w.currentIP }

// Run subscribes and dispatches updates until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	link, err := netlink.LinkByName(w.iface)
	if err != nil {
		return fmt.Errorf("looking up interface %s: %w", w.iface, err)
	}
	index := link.Attrs().Index

	if addrs, err := netlink.AddrList(link, netlink.FAMILY_V4); err == nil && len(addrs) > 0 {
		w.currentIP = addrs[0].IP
		w.log.Info("interface address", "interface", w.iface, "ip", w.currentIP)
	}

	updates := make(chan netlink.AddrUpdate, 16)
	done := make(chan struct{})
	defer close(done)
	if err := netlink.AddrSubscribe(updates, done); err != nil {
		return fmt.Errorf("subscribing to address updates: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.LinkIndex != index || !update.NewAddr {
				continue
			}
			ip := update.LinkAddress.IP.To4()
			if ip == nil {
				continue
			}
			if w.currentIP != nil && !ip.Equal(w.currentIP) {
				w.log.Info("interface address changed", "interface", w.iface, "ip", ip)
				w.trigger.AddressChanged()
			}
			w.currentIP = ip
		}
	}
}

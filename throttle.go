// SPDX-License-Identifier: MIT
//
// Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.

package secudp

import "time"

// runBandwidthThrottle redistributes the host's outgoing bandwidth
// budget across CONNECTED peers once per
// HostBandwidthThrottleInterval (§4.5), the same
// recompute-on-a-fixed-tick shape ratelimiter.go uses to age out its
// per-key buckets.
func (h *Host) runBandwidthThrottle(now time.Time) {
	if now.Sub(h.bandwidthThrottleEpoch) < HostBandwidthThrottleInterval*time.Millisecond {
		return
	}
	h.bandwidthThrottleEpoch = now

	var peers []*Peer
	var dataTotal uint64
	var bandwidthTotal uint64
	for i := range h.peers {
		p := &h.peers[i]
		if p.State != StateConnected {
			continue
		}
		peers = append(peers, p)
		dataTotal += p.outgoingDataThisInterval
		if p.OutgoingBandwidth != 0 {
			bandwidthTotal += uint64(p.OutgoingBandwidth)
		}
	}
	if len(peers) == 0 {
		return
	}

	var perPeerShare uint64
	if h.outgoingBandwidth != 0 {
		perPeerShare = uint64(h.outgoingBandwidth) / uint64(len(peers))
	}

	h.BandwidthLimitedPeers = 0
	for _, p := range peers {
		allowance := perPeerShare
		if p.OutgoingBandwidth != 0 && (allowance == 0 || uint64(p.OutgoingBandwidth) < allowance) {
			allowance = uint64(p.OutgoingBandwidth)
		}

		observed := p.outgoingDataThisInterval
		p.outgoingDataThisInterval = 0
		if observed == 0 {
			continue
		}
		if allowance == 0 {
			continue // neither the host nor the peer caps outgoing bandwidth
		}
		if observed <= allowance {
			continue // already fits under its share, excluded from limiting
		}

		limit := allowance * PeerPacketThrottleScale / observed
		if limit < 1 {
			limit = 1
		}
		if limit > PeerPacketThrottleScale {
			limit = PeerPacketThrottleScale
		}
		p.PacketThrottleLimit = uint32(limit)
		h.BandwidthLimitedPeers++

		if h.RecalculateBandwidthLimits {
			p.queueReliableControl(CommandBandwidthLimit, 0xFF, protocolBandwidthLimit{
				IncomingBandwidth: p.IncomingBandwidth,
				OutgoingBandwidth: p.OutgoingBandwidth,
			})
		}
	}
}

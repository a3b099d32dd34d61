package gve

import (
	"errors"
	"sync"
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/buffer"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/stack"

	"github.com/google/gve-go/rxq"
	"github.com/google/gve-go/txq"
)

// netState holds the gvisor-facing fields the stack.LinkEndpoint methods
// below operate on, kept separate from Device's driver-state fields so
// gve.go stays free of the upper-layer collaborator's types (spec §1: the
// host network stack is an external collaborator, an interface only).
type netState struct {
	mu         sync.Mutex
	dispatcher stack.NetworkDispatcher
	linkAddr   tcpip.LinkAddress
	mtu        uint32
	linkUp     bool
	txActive   atomic.Bool
}

func (n *netState) setAddress(mac [6]byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.linkAddr = tcpip.LinkAddress(mac[:])
}

func (n *netState) address() tcpip.LinkAddress {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.linkAddr
}

func (n *netState) setMTU(mtu uint32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.mtu = mtu
}

func (n *netState) getMTU() uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.mtu
}

func (n *netState) setLinkUp(up bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.linkUp = up
}

func (n *netState) deactivateTx() { n.txActive.Store(false) }
func (n *netState) reactivateTx() { n.txActive.Store(true) }

// ringUpper is the txq.UpperQueue a TX ring stops/wakes under
// backpressure. gvisor's stack.LinkEndpoint has no queue-discipline
// equivalent to notify, so this is a diagnostic hook rather than a real
// upper-layer signal (spec §1: multiqueue mapping is out of scope).
type ringUpper struct {
	d   *Device
	idx int
}

func (u *ringUpper) Stop() {
	u.d.log.Debug().Int("tx_queue", u.idx).Msg("gve: tx ring stopped, fifo/ring exhausted")
}

func (u *ringUpper) Wake() {
	u.d.log.Debug().Int("tx_queue", u.idx).Msg("gve: tx ring resumed")
}

func (d *Device) txUpper(i int) txq.UpperQueue {
	return &ringUpper{d: d, idx: i}
}

// releaseTx is the release callback txq.Ring.Poll invokes for each
// reclaimed packet: it drops the reference
// Send took on the outbound packet buffer.
func (d *Device) releaseTx(handle any) {
	if pkt, ok := handle.(*stack.PacketBuffer); ok {
		pkt.DecRef()
	}
}

// MTU implements stack.LinkEndpoint.
func (d *Device) MTU() uint32 { return d.net.getMTU() }

// SetMTU implements stack.LinkEndpoint.
func (d *Device) SetMTU(mtu uint32) { d.net.setMTU(mtu) }

// MaxHeaderLength implements stack.LinkEndpoint: room AddHeader reserves
// for the Ethernet header on every outgoing packet.
func (d *Device) MaxHeaderLength() uint16 { return header.EthernetMinimumSize }

// LinkAddress implements stack.LinkEndpoint.
func (d *Device) LinkAddress() tcpip.LinkAddress { return d.net.address() }

// SetLinkAddress implements stack.LinkEndpoint.
func (d *Device) SetLinkAddress(addr tcpip.LinkAddress) {
	d.net.mu.Lock()
	defer d.net.mu.Unlock()
	d.net.linkAddr = addr
}

// Capabilities implements stack.LinkEndpoint. The device descriptor
// doesn't carry a capability bit the core spec models (§1 excludes
// capability negotiation beyond queue/page counts), so checksum offload
// is advertised unconditionally, matching gve's GQI format default.
func (d *Device) Capabilities() stack.LinkEndpointCapabilities {
	return stack.CapabilityTXChecksumOffload | stack.CapabilityRXChecksumOffload
}

// ARPHardwareType implements stack.LinkEndpoint.
func (d *Device) ARPHardwareType() header.ARPHardwareType { return header.ARPHardwareEther }

// Attach implements stack.LinkEndpoint.
func (d *Device) Attach(dispatcher stack.NetworkDispatcher) {
	d.net.mu.Lock()
	defer d.net.mu.Unlock()
	d.net.dispatcher = dispatcher
}

// IsAttached implements stack.LinkEndpoint.
func (d *Device) IsAttached() bool {
	d.net.mu.Lock()
	defer d.net.mu.Unlock()
	return d.net.dispatcher != nil
}

// Wait implements stack.LinkEndpoint. Poll loops live in notify.Block,
// driven by the out-of-scope IRQ layer, not by this endpoint, so there is
// nothing for Wait to block on.
func (d *Device) Wait() {}

// AddHeader implements stack.LinkEndpoint: prepends the Ethernet header
// gvisor reserved room for via MaxHeaderLength.
func (d *Device) AddHeader(pkt *stack.PacketBuffer) {
	eth := header.Ethernet(pkt.LinkHeader().Push(header.EthernetMinimumSize))
	eth.Encode(&header.EthernetFields{
		SrcAddr: d.net.address(),
		DstAddr: pkt.EgressRoute.RemoteLinkAddress,
		Type:    pkt.NetworkProtocolNumber,
	})
}

// ParseHeader implements stack.LinkEndpoint: consumes the Ethernet header
// off an inbound packet's link header region.
func (d *Device) ParseHeader(pkt *stack.PacketBuffer) bool {
	_, ok := pkt.LinkHeader().Consume(header.EthernetMinimumSize)
	return ok
}

// WritePackets implements stack.LinkEndpoint, handing each packet to TX
// ring 0 (spec §1 excludes multiqueue mapping from the core; the upper
// layer sees one queue). It stops at the first packet Send rejects and
// reports how many were actually written.
func (d *Device) WritePackets(pkts stack.PacketBufferList) (int, tcpip.Error) {
	n := 0
	for pkt := pkts.Front(); pkt != nil; pkt = pkt.Next() {
		if err := d.writeOne(pkt); err != nil {
			if n == 0 {
				return 0, err
			}
			break
		}
		n++
	}
	return n, nil
}

// writeOne holds d.mu for the send, not just the ring lookup: AdjustQueues
// and Reset hold the same lock across their whole closeLocked/open
// sequence (spec §4.8), which frees and reassigns every QPL page the
// current rings address. Releasing d.mu before calling ring.Send would let
// a send race that teardown and land on pages a newly opened ring now
// owns. deactivateTx/reactivateTx mark the administrative intent; d.mu is
// what actually keeps Send from overlapping the window they bracket.
func (d *Device) writeOne(pkt *stack.PacketBuffer) tcpip.Error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.tx) == 0 || !d.net.txActive.Load() {
		return &tcpip.ErrClosedForSend{}
	}
	ring := d.tx[0]

	p := d.encodePacket(pkt)

	pkt.IncRef()

	if err := ring.Send(p, false); err != nil {
		pkt.DecRef()
		if errors.Is(err, txq.ErrBusy) {
			return &tcpip.ErrNoBufferSpace{}
		}
		return &tcpip.ErrAborted{}
	}

	return nil
}

// encodePacket flattens pkt's header/payload chain and extracts the
// segmentation metadata txq.Ring needs, the way cdc_ecm.go's ECMTx pulls
// a linear frame out of a gvisor packet buffer today, generalized to
// also carry GSO metadata (SPEC_FULL §4 txq responsibilities).
func (d *Device) encodePacket(pkt *stack.PacketBuffer) txq.Packet {
	linkLen := len(pkt.LinkHeader().Slice())
	netLen := len(pkt.NetworkHeader().Slice())
	transLen := len(pkt.TransportHeader().Slice())
	hlen := linkLen + netLen + transLen

	var buf buffer.Buffer = pkt.ToBuffer()
	data := buf.Flatten()

	p := txq.Packet{
		Handle:    pkt,
		Data:      data,
		HeaderLen: uint16(hlen),
		IPv6:      pkt.NetworkProtocolNumber == header.IPv6ProtocolNumber,
	}

	if gso := pkt.GSOOptions; gso.Type != stack.GSONone {
		p.GSO = true
		p.MSS = gso.MSS
		p.L3Offset = uint16(linkLen)
		p.L4Offset = uint16(linkLen + netLen)
		p.ChecksumOffset = gso.CsumOffset
		p.ChecksumPartial = gso.NeedsCsum
	}

	return p
}

// dispatchRx converts one rxq.Delivery into a gvisor packet buffer and
// hands it to the attached dispatcher, the way channel.Endpoint.
// InjectInbound does in example/usb_ethernet.go. When del.ZeroCopy is set,
// del.Data is a live view into the flipped half of an RX QPL page (spec
// §4.6); it is wrapped into the packet buffer without copying, and
// del.Release is deferred to run after pkt.DecRef rather than before the
// packet is even built, so the page isn't handed back to the ring for
// reuse while dispatch is still reading it. The copybreak path (ZeroCopy
// false) already owns a private copy, so it can release its ring slot
// immediately — there's nothing to hold.
func (d *Device) dispatchRx(del rxq.Delivery) {
	data := del.Data
	if !del.ZeroCopy {
		data = append([]byte(nil), del.Data...)
		if del.Release != nil {
			del.Release()
		}
	}

	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(data),
	})
	if del.ZeroCopy && del.Release != nil {
		defer del.Release()
	}
	defer pkt.DecRef()

	if !d.ParseHeader(pkt) {
		return
	}
	eth := header.Ethernet(pkt.LinkHeader().Slice())

	if del.ChecksumComplete {
		pkt.RXChecksumValidated = true
	}

	d.net.mu.Lock()
	dispatcher := d.net.dispatcher
	d.net.mu.Unlock()

	if dispatcher != nil {
		dispatcher.DeliverNetworkPacket(eth.Type(), pkt)
	}
}

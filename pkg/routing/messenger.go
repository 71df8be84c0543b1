package routing

import (
	"context"
	"io"

	pb "github.com/libp2p/go-libp2p-kad-dht/pb"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-msgio"
	"google.golang.org/protobuf/proto"
)

// KadProtocol is the protocol ID of the public IPFS DHT.
const KadProtocol protocol.ID = "/ipfs/kad/1.0.0"

var _ pb.MessageSender = &streamMessageSender{}

// streamMessageSender sends every kad message on a fresh stream, framed with a
// varint length prefix.
type streamMessageSender struct {
	host      host.Host
	protocols []protocol.ID
}

func newStreamMessageSender(h host.Host, protocols ...protocol.ID) *streamMessageSender {
	if len(protocols) == 0 {
		protocols = []protocol.ID{KadProtocol}
	}
	return &streamMessageSender{
		host:      h,
		protocols: protocols,
	}
}

func (m *streamMessageSender) SendRequest(ctx context.Context, p peer.ID, req *pb.Message) (*pb.Message, error) {
	s, err := m.newStream(ctx, p)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	stop := context.AfterFunc(ctx, func() {
		_ = s.Reset()
	})
	defer stop()

	if err := writeMsg(s, req); err != nil {
		_ = s.Reset()
		return nil, err
	}
	resp := &pb.Message{}
	if err := readMsg(s, resp); err != nil {
		_ = s.Reset()
		return nil, err
	}
	return resp, nil
}

func (m *streamMessageSender) SendMessage(ctx context.Context, p peer.ID, msg *pb.Message) error {
	s, err := m.newStream(ctx, p)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := writeMsg(s, msg); err != nil {
		_ = s.Reset()
		return err
	}
	return nil
}

func (m *streamMessageSender) newStream(ctx context.Context, p peer.ID) (network.Stream, error) {
	s, err := m.host.NewStream(ctx, p, m.protocols...)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(deadline)
	}
	return s, nil
}

func writeMsg(w io.Writer, msg *pb.Message) error {
	b, err := proto.Marshal(msg)
	if err != nil {
		return err
	}
	return msgio.NewVarintWriter(w).WriteMsg(b)
}

func readMsg(r io.Reader, msg *pb.Message) error {
	mr := msgio.NewVarintReaderSize(r, network.MessageSizeMax)
	b, err := mr.ReadMsg()
	if err != nil {
		return err
	}
	defer mr.ReleaseMsg(b)
	return proto.Unmarshal(b, msg)
}

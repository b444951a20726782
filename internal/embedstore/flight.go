package embedstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-sam/internal/engine"
	"github.com/23skdu/longbow-sam/internal/logger"
)

// Embeddings are addressed on the wire by a one-element path descriptor for
// DoPut and a ticket holding the key for DoGet.

// FlightStore is a Store backed by a remote Arrow Flight service.
type FlightStore struct {
	addr    string
	client  flight.Client
	mem     memory.Allocator
	timeout time.Duration
}

// DialFlight connects to a Flight embedding service at host:port.
func DialFlight(addr string) (*FlightStore, error) {
	client, err := flight.NewClientWithMiddleware(addr, nil, nil, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create Flight client: %w", err)
	}
	return &FlightStore{addr: addr, client: client, mem: memory.NewGoAllocator(), timeout: 30 * time.Second}, nil
}

func (s *FlightStore) Name() string { return "flight" }

func (s *FlightStore) Put(ctx context.Context, key string, e *engine.Embedding) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	stream, err := s.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("failed to open DoPut stream: %w", err)
	}
	rec := toRecord(s.mem, e)
	defer rec.Release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(s.mem))
	w.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: []string{key}})
	if err := w.Write(rec); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("DoPut %s: %w", key, err)
		}
	}
}

func (s *FlightStore) Get(ctx context.Context, key string) (*engine.Embedding, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	stream, err := s.client.DoGet(ctx, &flight.Ticket{Ticket: []byte(key)})
	if err != nil {
		return nil, fmt.Errorf("failed to open DoGet stream: %w", err)
	}
	r, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.mem))
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("DoGet %s: %w", key, err)
	}
	defer r.Release()
	if !r.Next() {
		if err := r.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return fromRecord(r.Record())
}

func (s *FlightStore) Close() error {
	return s.client.Close()
}

// FlightServer exposes a Store over Arrow Flight.
type FlightServer struct {
	flight.BaseFlightServer
	store  Store
	mem    memory.Allocator
	server flight.Server
}

func NewFlightServer(store Store) *FlightServer {
	fs := &FlightServer{store: store, mem: memory.NewGoAllocator()}
	fs.server = flight.NewServerWithMiddleware(nil)
	fs.server.RegisterFlightService(fs)
	return fs
}

// Listen binds addr; use port 0 for an ephemeral port.
func (fs *FlightServer) Listen(addr string) error {
	return fs.server.Init(addr)
}

func (fs *FlightServer) Addr() net.Addr { return fs.server.Addr() }

// Serve blocks until Shutdown.
func (fs *FlightServer) Serve() error { return fs.server.Serve() }

func (fs *FlightServer) Shutdown() { fs.server.Shutdown() }

func (fs *FlightServer) DoGet(tkt *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	key := string(tkt.GetTicket())
	e, err := fs.store.Get(stream.Context(), key)
	if errors.Is(err, ErrNotFound) {
		return status.Errorf(codes.NotFound, "embedding %s not found", key)
	}
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	rec := toRecord(fs.mem, e)
	defer rec.Release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(fs.mem))
	if err := w.Write(rec); err != nil {
		return err
	}
	return w.Close()
}

func (fs *FlightServer) DoPut(stream flight.FlightService_DoPutServer) error {
	r, err := flight.NewRecordReader(stream, ipc.WithAllocator(fs.mem))
	if err != nil {
		return err
	}
	defer r.Release()

	desc := r.LatestFlightDescriptor()
	if desc == nil || len(desc.GetPath()) != 1 {
		return status.Error(codes.InvalidArgument, "DoPut needs a single-element path descriptor")
	}
	key := desc.GetPath()[0]

	for r.Next() {
		e, err := fromRecord(r.Record())
		if err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		if err := fs.store.Put(stream.Context(), key, e); err != nil {
			return status.Error(codes.Internal, err.Error())
		}
		logger.Log.Debug("embedding stored", "key", key, "grid", e.Grid, "channels", e.Channels)
	}
	if err := r.Err(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return stream.Send(&flight.PutResult{})
}

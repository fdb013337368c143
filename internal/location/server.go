package location

import (
	"context"
	"io"

	"github.com/google/uuid"

	"github.com/example/motoride/internal/geo"
)

// Sink receives ingested rider coordinates.
type Sink interface {
	Update(ctx context.Context, riderID uuid.UUID, loc geo.Coordinate)
}

// Server implements the LocationServer interface.
type Server struct {
	sink Sink
}

// NewServer constructs a server.
func NewServer(sink Sink) *Server {
	return &Server{sink: sink}
}

// StreamLocation ingests rider locations and forwards them to the sink.
// Malformed ids are skipped so one bad client message cannot tear down
// the stream.
func (s *Server) StreamLocation(stream Location_StreamLocationServer) error {
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			return stream.SendAndClose(&Ack{})
		}
		if err != nil {
			return err
		}
		riderID, err := uuid.Parse(msg.RiderId)
		if err != nil {
			continue
		}
		s.sink.Update(stream.Context(), riderID, geo.Coordinate{Lat: msg.Lat, Lng: msg.Lng})
	}
}

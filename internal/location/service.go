package location

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/motoride/internal/booking/domain"
	"github.com/example/motoride/internal/geo"
)

// DirectorySink writes ingested coordinates into the user directory so
// matching sees fresh rider positions.
type DirectorySink struct {
	directory domain.UserDirectory
	clock     domain.Clock
	logger    *zap.Logger
}

// NewDirectorySink constructs the sink.
func NewDirectorySink(directory domain.UserDirectory, clock domain.Clock, logger *zap.Logger) *DirectorySink {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DirectorySink{directory: directory, clock: clock, logger: logger}
}

// Update stores the rider's coordinate. Unknown riders are logged and
// dropped; the stream keeps flowing.
func (s *DirectorySink) Update(ctx context.Context, riderID uuid.UUID, loc geo.Coordinate) {
	if err := s.directory.UpdateLocation(ctx, riderID, loc, s.clock.Now()); err != nil {
		s.logger.Debug("location update dropped",
			zap.String("rider_id", riderID.String()),
			zap.Error(err))
	}
}

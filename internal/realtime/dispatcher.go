package realtime

import (
	"errors"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/classroom/backend/internal/logging"
)

var errMissingConnections = errors.New("realtime: connection registry required")

// Dispatcher delivers outbound envelopes to principals, rooms, or everyone online.
// Delivery is best effort: a failing transport is logged and skipped.
type Dispatcher struct {
	connections *ConnectionRegistry
	rooms       *RoomRegistry
	logger      *zap.Logger
}

// NewDispatcher binds a dispatcher to the connection and room registries.
func NewDispatcher(connections *ConnectionRegistry, rooms *RoomRegistry, logger *zap.Logger) (*Dispatcher, error) {
	if connections == nil {
		return nil, errMissingConnections
	}
	if rooms == nil {
		return nil, errMissingRoomRegistry
	}
	return &Dispatcher{
		connections: connections,
		rooms:       rooms,
		logger:      logging.OrNop(logger),
	}, nil
}

// SendToPrincipal delivers message to one principal. Offline principals are skipped silently;
// only an encoding failure is returned, whether or not the principal is online.
func (d *Dispatcher) SendToPrincipal(principalID string, message Outbound) error {
	payload, err := Encode(message)
	if err != nil {
		return err
	}
	transport, ok := d.connections.Lookup(principalID)
	if !ok {
		return nil
	}
	d.deliver(principalID, transport, payload, message.Type)
	return nil
}

// SendToRoom delivers message to every online member of roomID and returns how many
// transports accepted it.
func (d *Dispatcher) SendToRoom(roomID string, message Outbound) (int, error) {
	payload, err := Encode(message)
	if err != nil {
		return 0, err
	}
	members := d.rooms.MembersOf(roomID)
	delivered := 0
	for _, principalID := range members {
		transport, ok := d.connections.Lookup(principalID)
		if !ok {
			continue
		}
		if d.deliver(principalID, transport, payload, message.Type) {
			delivered++
		}
	}
	return delivered, nil
}

// Broadcast delivers message to every registered connection.
func (d *Dispatcher) Broadcast(message Outbound) (int, error) {
	payload, err := Encode(message)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, connection := range d.connections.Snapshot() {
		if d.deliver(connection.Principal.ID, connection.Transport, payload, message.Type) {
			delivered++
		}
	}
	return delivered, nil
}

func (d *Dispatcher) deliver(principalID string, transport Transport, payload []byte, messageType OutboundType) bool {
	if err := transport.Send(payload); err != nil {
		d.logger.Warn("realtime delivery failed",
			zap.String("principal_id", principalID),
			zap.String("message_type", string(messageType)),
			zap.Error(err))
		return false
	}
	return true
}

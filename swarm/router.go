package swarm

import (
	"context"
	stderrors "errors"

	"github.com/vinayprograms/swarmkit/auction"
	"github.com/vinayprograms/swarmkit/bus"
	"github.com/vinayprograms/swarmkit/errors"
	"github.com/vinayprograms/swarmkit/protocol"
	"github.com/vinayprograms/swarmkit/registry"
	"github.com/vinayprograms/swarmkit/tasks"
)

// route feeds messages from sub to handle until ctx ends or the
// subscription closes. A handler never stops the loop.
func (s *Swarm) route(ctx context.Context, sub bus.Subscription, handle func(*bus.Message)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			handle(msg)
		}
	}
}

// handleInbound dispatches one worker event. Nothing a worker sends can
// fail the router: bad or late events are logged and dropped.
func (s *Swarm) handleInbound(msg *bus.Message) {
	env, err := protocol.Decode(msg.Data)
	if err != nil {
		s.log.Warn("dropping malformed envelope", map[string]interface{}{
			"subject": msg.Subject,
			"error":   err.Error(),
		})
		return
	}

	switch env.Kind {
	case protocol.KindHeartbeat:
		var hb protocol.Heartbeat
		if s.decode(env, &hb) {
			s.heartbeat(hb)
		}

	case protocol.KindBid:
		var bid protocol.Bid
		if s.decode(env, &bid) {
			if err := s.coord.SubmitBid(bid); err != nil {
				s.log.BidDropped("bid", bid.TaskID, bid.WorkerID, err, auction.IsLate(err))
			}
		}

	case protocol.KindTaskResult:
		var result tasks.Result
		if s.decode(env, &result) {
			if err := s.coord.SubmitResult(result); err != nil {
				s.log.BidDropped("result", result.TaskID, result.WorkerID, err, auction.IsLate(err))
			}
		}

	case protocol.KindAlertRaised:
		var alert protocol.Alert
		if s.decode(env, &alert) {
			if _, ok := s.registry.Get(alert.WorkerID); !ok {
				s.log.Warn("dropping alert from unknown worker", map[string]interface{}{
					"worker_id": alert.WorkerID,
				})
				return
			}
			if err := s.inbox.Push(alert); err != nil {
				s.log.Debug("alert not queued", map[string]interface{}{
					"worker_id": alert.WorkerID,
					"error":     err.Error(),
				})
			}
		}

	case protocol.KindDeregistration:
		var d protocol.Deregistration
		if s.decode(env, &d) {
			if err := s.registry.Deregister(d.WorkerID); err != nil {
				s.log.Debug("deregistration for unknown worker", map[string]interface{}{
					"worker_id": d.WorkerID,
				})
			}
		}

	default:
		s.log.Warn("dropping unexpected envelope", map[string]interface{}{
			"kind":    string(env.Kind),
			"subject": msg.Subject,
		})
	}
}

func (s *Swarm) decode(env protocol.Envelope, v interface{}) bool {
	if err := env.Into(v); err != nil {
		s.log.Warn("dropping malformed payload", map[string]interface{}{
			"kind":  string(env.Kind),
			"error": err.Error(),
		})
		return false
	}
	return true
}

// heartbeat records a heartbeat. A worker the registry no longer knows,
// typically one swept while it was unreachable, is told to register again.
func (s *Swarm) heartbeat(hb protocol.Heartbeat) {
	err := s.registry.Heartbeat(hb.WorkerID, hb.Load)
	if err == nil {
		return
	}
	if !errors.Is(err, errors.ErrCodeUnknownWorker) {
		s.log.Warn("heartbeat rejected", map[string]interface{}{
			"worker_id": hb.WorkerID,
			"error":     err.Error(),
		})
		return
	}

	s.log.Debug("heartbeat from unknown worker", map[string]interface{}{"worker_id": hb.WorkerID})
	if hb.WorkerID == "" {
		return
	}
	data, err := protocol.Encode(protocol.KindDeregistration, protocol.Deregistration{
		WorkerID: hb.WorkerID,
		Reason:   "unknown worker",
	})
	if err == nil {
		err = s.bus.Publish(protocol.WorkerSubject(hb.WorkerID), data)
	}
	if err != nil {
		s.log.Warn("re-registration notice not sent", map[string]interface{}{
			"worker_id": hb.WorkerID,
			"error":     err.Error(),
		})
	}
}

// handleRegistration answers a Registration request on its reply subject.
func (s *Swarm) handleRegistration(msg *bus.Message) {
	ack := s.register(msg)
	if msg.Reply == "" {
		return
	}
	data, err := protocol.Encode(protocol.KindRegistrationAck, ack)
	if err == nil {
		err = s.bus.Publish(msg.Reply, data)
	}
	if err != nil {
		s.log.Warn("registration ack not sent", map[string]interface{}{
			"worker_id": ack.WorkerID,
			"error":     err.Error(),
		})
	}
}

func (s *Swarm) register(msg *bus.Message) protocol.RegistrationAck {
	reject := func(err error) protocol.RegistrationAck {
		var e *errors.Error
		if !stderrors.As(err, &e) {
			e = errors.Wrap(err, "registration failed")
		}
		s.log.Warn("registration rejected", map[string]interface{}{
			"worker_id": e.WorkerID(),
			"error":     e.Error(),
		})
		return protocol.RegistrationAck{WorkerID: e.WorkerID(), Error: e}
	}

	env, err := protocol.Decode(msg.Data)
	if err != nil {
		return reject(errors.InvalidInput(err.Error()))
	}
	if env.Kind != protocol.KindRegistration {
		return reject(errors.InvalidInput("expected a registration, got " + string(env.Kind)))
	}
	var reg protocol.Registration
	if err := env.Into(&reg); err != nil {
		return reject(errors.InvalidInput(err.Error()))
	}

	info := registry.WorkerInfo{
		ID:             reg.WorkerID,
		Name:           reg.Name,
		MaxConcurrent:  reg.MaxConcurrent,
		BaseConfidence: reg.BaseConfidence,
	}
	for _, name := range reg.Specializations {
		tt, err := tasks.ParseTaskType(name)
		if err != nil {
			return reject(errors.InvalidInput(err.Error(), errors.WithWorkerID(reg.WorkerID)))
		}
		info.Specializations = append(info.Specializations, tt)
	}

	w, err := s.registry.Register(info)
	if err != nil {
		return reject(err)
	}
	return protocol.RegistrationAck{WorkerID: w.ID, Accepted: true}
}

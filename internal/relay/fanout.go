package relay

import "context"

// lane runs fan-out jobs for one conversation in submission order.
type lane struct {
	jobs []func(context.Context)
}

// enqueue schedules job on the conversation's lane. The caller never waits
// for it.
func (s *Service) enqueue(conversationID string, job func(context.Context)) {
	s.inflight.Add(1)

	s.lanesMu.Lock()
	if l, ok := s.lanes[conversationID]; ok {
		l.jobs = append(l.jobs, job)
		s.lanesMu.Unlock()
		return
	}
	l := &lane{jobs: []func(context.Context){job}}
	s.lanes[conversationID] = l
	s.lanesMu.Unlock()

	go s.drain(conversationID, l)
}

func (s *Service) drain(conversationID string, l *lane) {
	for {
		s.lanesMu.Lock()
		if len(l.jobs) == 0 {
			delete(s.lanes, conversationID)
			s.lanesMu.Unlock()
			return
		}
		job := l.jobs[0]
		l.jobs = l.jobs[1:]
		s.lanesMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), s.fanoutTimeout)
		job(ctx)
		cancel()
		s.inflight.Done()
	}
}

// broadcast pushes event to every member of the conversation except skip.
func (s *Service) broadcast(conversationID, skip, event string, data any) {
	s.enqueue(conversationID, func(ctx context.Context) {
		members, err := s.rooms.MembersOf(ctx, conversationID)
		if err != nil {
			s.log.Warn("fan-out skipped, members unavailable",
				"conversation_id", conversationID, "event", event, "error", err)
			return
		}
		for _, uid := range members {
			if uid == skip {
				continue
			}
			s.push.SendToUser(ctx, uid, event, data)
		}
	})
}

// notify pushes event to a single user on the conversation's lane.
func (s *Service) notify(conversationID, userID, event string, data any) {
	s.enqueue(conversationID, func(ctx context.Context) {
		s.push.SendToUser(ctx, userID, event, data)
	})
}

// Wait blocks until every queued fan-out has run.
func (s *Service) Wait() {
	s.inflight.Wait()
}

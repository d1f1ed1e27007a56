package trade

import "time"

// SetNow overrides the engine clock for tests.
func (s *Service) SetNow(now func() time.Time) {
	s.now = now
}

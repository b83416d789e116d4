package persistence

// sectorBatch is the "at-most-one writer, others wait" coalescing
// structure spec §4.F/§9 requires per metadata sector: concurrent dirty
// transitions to slots sharing a sector must not each trigger their own
// write.
type sectorBatch struct {
	inFlight      bool
	pendingEncode func() []byte
	waiters       []func(error)
}

func (m *Manager) batch(sector int64) *sectorBatch {
	b, ok := m.batches[sector]
	if !ok {
		b = &sectorBatch{}
		m.batches[sector] = b
	}

	return b
}

// WriteDescriptorSector asynchronously writes a metadata sector, encoded
// on demand by encode (called with the sector's current descriptor
// contents at dispatch time). If a write for this sector is already
// in flight, encode replaces any previously queued one — only the
// latest state is ever written — and done is queued to be notified once
// that write (or the one dispatched after it) completes.
func (m *Manager) WriteDescriptorSector(sector int64, encode func() []byte, done func(error)) {
	m.mu.Lock()

	b := m.batch(sector)

	if b.inFlight {
		b.pendingEncode = encode
		b.waiters = append(b.waiters, done)
		m.mu.Unlock()

		return
	}

	b.inFlight = true
	b.waiters = append(b.waiters, done)
	m.mu.Unlock()

	m.dispatchSector(sector, b, encode)
}

func (m *Manager) dispatchSector(sector int64, b *sectorBatch, encode func() []byte) {
	buf := encode()

	m.cache.WriteAsync(sector, buf, func(err error) {
		m.mu.Lock()

		waiters := b.waiters
		b.waiters = nil

		next := b.pendingEncode
		b.pendingEncode = nil

		if next != nil {
			m.mu.Unlock()

			for _, w := range waiters {
				w(err)
			}

			m.dispatchSector(sector, b, next)

			return
		}

		b.inFlight = false

		m.mu.Unlock()

		for _, w := range waiters {
			w(err)
		}
	})
}

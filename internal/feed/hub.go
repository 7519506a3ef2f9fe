package feed

import (
	"github.com/rs/zerolog/log"

	"github.com/mattdavey/papertrade/internal/types"
)

// Subscribe registers a tick subscriber and returns its id and channel.
// The channel is buffered; a subscriber that stops draining it is dropped.
func (in *Ingestor) Subscribe() (int64, <-chan types.PriceTick) {
	ch := make(chan types.PriceTick, 128)

	in.subMu.Lock()
	in.nextID++
	id := in.nextID
	in.subs[id] = ch
	in.subMu.Unlock()

	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (in *Ingestor) Unsubscribe(id int64) {
	in.subMu.Lock()
	if ch, ok := in.subs[id]; ok {
		delete(in.subs, id)
		close(ch)
	}
	in.subMu.Unlock()
}

func (in *Ingestor) broadcast(tick types.PriceTick) {
	var lagging []int64

	in.subMu.RLock()
	for id, ch := range in.subs {
		select {
		case ch <- tick:
		default:
			lagging = append(lagging, id)
		}
	}
	in.subMu.RUnlock()

	if len(lagging) == 0 {
		return
	}
	in.subMu.Lock()
	for _, id := range lagging {
		if ch, ok := in.subs[id]; ok {
			delete(in.subs, id)
			close(ch)
			log.Warn().
				Str("component", "feed_ingestor").
				Int64("subscriber_id", id).
				Msg("dropped lagging tick subscriber")
		}
	}
	in.subMu.Unlock()
}

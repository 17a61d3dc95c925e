package viewstate

import (
	"sync"
	"time"

	"github.com/hitoshi/emaillink/internal/model"
)

// Binder は1つのブラウザの最新Sessionを保持し、変更を購読者へ配信する。
type Binder struct {
	browserID string

	mu          sync.Mutex
	current     *model.Session
	subscribers map[uint64]chan *model.Session
	nextID      uint64
	lastActive  time.Time
}

func newBinder(browserID string, initial *model.Session) *Binder {
	return &Binder{
		browserID:   browserID,
		current:     cloneSession(initial),
		subscribers: make(map[uint64]chan *model.Session),
		lastActive:  time.Now(),
	}
}

// BrowserID はBinderが対応するブラウザIDを返す。
func (b *Binder) BrowserID() string {
	return b.browserID
}

// Current は最後に配信されたSessionのコピーを返す。未設定の場合はnil。
func (b *Binder) Current() *model.Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return cloneSession(b.current)
}

// Dispatch はActionを適用し、値が変わった場合のみ購読者へ配信する。
// 値が変わった場合はtrueを返す。
func (b *Binder) Dispatch(action Action) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := Reduce(b.current, action)
	b.lastActive = time.Now()
	if model.SameSession(b.current, next) {
		return false
	}

	b.current = next
	for _, ch := range b.subscribers {
		deliver(ch, cloneSession(next))
	}
	return true
}

// Subscribe は変更通知チャネルと購読解除関数を返す。
// チャネルには常に最新の値だけが残り、読み遅れた古い値は捨てられる。
func (b *Binder) Subscribe() (<-chan *model.Session, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan *model.Session, 1)
	b.subscribers[id] = ch
	b.lastActive = time.Now()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subscribers, id)
			b.lastActive = time.Now()
		})
	}
	return ch, cancel
}

// SubscriberCount は現在の購読者数を返す。
func (b *Binder) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// idleSince は購読者がいない場合に最後の操作時刻を返す。購読者がいる場合はok=false。
func (b *Binder) idleSince() (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.subscribers) > 0 {
		return time.Time{}, false
	}
	return b.lastActive, true
}

// deliver はチャネルへ非ブロッキングで送信する。バッファが埋まっていれば古い値を捨てる。
func deliver(ch chan *model.Session, v *model.Session) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}

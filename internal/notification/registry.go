package notification

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/nao1215/kenshu/pkg/event"
)

// ErrRegistryClosed はシャットダウン後に購読しようとした場合のエラー。
var ErrRegistryClosed = errors.New("接続レジストリは停止済みです")

// defaultSubscriberBuffer は購読者ごとの送信キューの既定の長さ。
const defaultSubscriberBuffer = 16

// Subscriber はストリーム1本分の購読ハンドル。
// レジストリが所有し、ストリームハンドラはメッセージの受信と終了検知にだけ使う。
type Subscriber struct {
	id       string
	audience event.Audience
	messages chan event.Message
	done     chan struct{}
	once     sync.Once
}

// ID は購読ハンドルの識別子を返す。ログ出力用。
func (s *Subscriber) ID() string { return s.id }

// Audience は購読している宛先を返す。
func (s *Subscriber) Audience() event.Audience { return s.audience }

// Messages は配信待ちのメッセージを受け取るチャネルを返す。
// このチャネルはクローズされない。終了は Done で検知する。
func (s *Subscriber) Messages() <-chan event.Message { return s.messages }

// Done は購読が終了したときにクローズされるチャネルを返す。
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// send はメッセージをキューに積む。終了済み、またはキューが満杯なら false を返す。
func (s *Subscriber) send(msg event.Message) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.messages <- msg:
		return true
	default:
		return false
	}
}

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

// Registry は接続中のストリームを宛先ごとに管理する。
// 管理者は1つの集合、従業員は従業員IDごとの集合で保持する（同じ従業員が複数タブを開ける）。
// 全メソッドは任意のゴルーチンから並行に呼び出してよい。
type Registry struct {
	mu        sync.RWMutex
	admins    map[*Subscriber]struct{}
	employees map[string]map[*Subscriber]struct{}
	buffer    int
	closed    bool
}

// NewRegistry は新しいレジストリを生成する。buffer は購読者ごとの送信キューの長さ。
func NewRegistry(buffer int) *Registry {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Registry{
		admins:    make(map[*Subscriber]struct{}),
		employees: make(map[string]map[*Subscriber]struct{}),
		buffer:    buffer,
	}
}

// Subscribe は購読を登録する。登録した時点から Broadcast の配信対象になる。
func (r *Registry) Subscribe(audience event.Audience) (*Subscriber, error) {
	if err := audience.Validate(); err != nil {
		return nil, err
	}

	sub := &Subscriber{
		id:       uuid.New().String(),
		audience: audience,
		messages: make(chan event.Message, r.buffer),
		done:     make(chan struct{}),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}
	if audience.IsAdmin() {
		r.admins[sub] = struct{}{}
		return sub, nil
	}
	set, ok := r.employees[audience.EmployeeID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		r.employees[audience.EmployeeID] = set
	}
	set[sub] = struct{}{}
	return sub, nil
}

// Unsubscribe は購読を解除する。何度呼んでもよい。
func (r *Registry) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	sub.close()

	r.mu.Lock()
	defer r.mu.Unlock()

	if sub.audience.IsAdmin() {
		delete(r.admins, sub)
		return
	}
	set, ok := r.employees[sub.audience.EmployeeID]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(r.employees, sub.audience.EmployeeID)
	}
}

// Snapshot は宛先の購読者の一覧をコピーして返す。
// 返した直後に切断した購読者が含まれていてもよい。
func (r *Registry) Snapshot(audience event.Audience) []*Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var set map[*Subscriber]struct{}
	if audience.IsAdmin() {
		set = r.admins
	} else {
		set = r.employees[audience.EmployeeID]
	}
	subs := make([]*Subscriber, 0, len(set))
	for sub := range set {
		subs = append(subs, sub)
	}
	return subs
}

// Broadcast はその時点の購読者全員にメッセージを配信する。
// 送信キューが満杯の購読者は配信不能とみなして切断する。他の購読者への配信は続ける。
func (r *Registry) Broadcast(_ context.Context, audience event.Audience, msg event.Message) {
	for _, sub := range r.Snapshot(audience) {
		if sub.send(msg) {
			continue
		}
		select {
		case <-sub.done:
		default:
			log.Printf("[Registry] 送信キューが満杯のため購読を切断します: audience=%s subscriber=%s", audience, sub.id)
		}
		r.Unsubscribe(sub)
	}
}

// Count は宛先の購読者数を返す。
func (r *Registry) Count(audience event.Audience) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if audience.IsAdmin() {
		return len(r.admins)
	}
	return len(r.employees[audience.EmployeeID])
}

// Stats は管理者の購読者数と、購読中の従業員の延べ接続数を返す。
func (r *Registry) Stats() (admins, employees int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, set := range r.employees {
		employees += len(set)
	}
	return len(r.admins), employees
}

// Close は全ての購読を終了させ、以降の購読を拒否する。
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	subs := make([]*Subscriber, 0, len(r.admins))
	for sub := range r.admins {
		subs = append(subs, sub)
	}
	for _, set := range r.employees {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	r.admins = make(map[*Subscriber]struct{})
	r.employees = make(map[string]map[*Subscriber]struct{})
	r.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

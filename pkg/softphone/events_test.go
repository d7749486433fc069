package softphone_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/webphone/pkg/softphone"
)

// TestEmitterDeliversToSubscribedKind событие доставляется только
// подписчикам своего вида
func TestEmitterDeliversToSubscribedKind(t *testing.T) {
	em := softphone.NewEmitter()

	var ended, errored int
	em.Subscribe(softphone.EventCallEnded, func(softphone.Event) { ended++ })
	em.Subscribe(softphone.EventCallError, func(softphone.Event) { errored++ })

	em.Publish(softphone.CallEnded{Reason: "BYE"})
	em.Publish(softphone.CallEnded{Reason: "BYE"})

	assert.Equal(t, 2, ended, "call:ended subscriber should see both events")
	assert.Equal(t, 0, errored, "call:error subscriber should see nothing")
}

// TestEmitterOrder подписчики вызываются в порядке подписки
func TestEmitterOrder(t *testing.T) {
	em := softphone.NewEmitter()

	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		em.Subscribe(softphone.EventCallEnded, func(softphone.Event) {
			order = append(order, i)
		})
	}

	em.Publish(softphone.CallEnded{})
	assert.Equal(t, []int{1, 2, 3}, order)
}

// TestEmitterUnsubscribe отписка удаляет ровно один путь доставки и не
// трогает остальные
func TestEmitterUnsubscribe(t *testing.T) {
	em := softphone.NewEmitter()

	var first, second int
	sub := em.Subscribe(softphone.EventCallEnded, func(softphone.Event) { first++ })
	em.Subscribe(softphone.EventCallEnded, func(softphone.Event) { second++ })

	em.Publish(softphone.CallEnded{})
	em.Unsubscribe(sub)
	em.Publish(softphone.CallEnded{})

	assert.Equal(t, 1, first, "unsubscribed handler should stop receiving")
	assert.Equal(t, 2, second, "remaining handler should keep receiving")
}

// TestEmitterUnsubscribeTwice повторная отписка — безопасный no-op
func TestEmitterUnsubscribeTwice(t *testing.T) {
	em := softphone.NewEmitter()

	var count int
	sub := em.Subscribe(softphone.EventCallEnded, func(softphone.Event) { count++ })
	em.Unsubscribe(sub)
	em.Unsubscribe(sub)
	em.Unsubscribe(softphone.Subscription{})

	em.Publish(softphone.CallEnded{})
	assert.Equal(t, 0, count)
}

// TestEmitterSameHandlerTwice один обработчик, подписанный дважды,
// получает событие дважды; отписка одного токена оставляет второй путь
func TestEmitterSameHandlerTwice(t *testing.T) {
	em := softphone.NewEmitter()

	var count int
	fn := func(softphone.Event) { count++ }
	sub1 := em.Subscribe(softphone.EventCallEnded, fn)
	em.Subscribe(softphone.EventCallEnded, fn)

	em.Publish(softphone.CallEnded{})
	require.Equal(t, 2, count, "both delivery paths should fire")

	em.Unsubscribe(sub1)
	em.Publish(softphone.CallEnded{})
	assert.Equal(t, 3, count, "one delivery path should remain")
}

// TestEmitterPublishWithoutSubscribers событие без подписчиков теряется
// без ошибок
func TestEmitterPublishWithoutSubscribers(t *testing.T) {
	em := softphone.NewEmitter()
	em.Publish(softphone.CallError{Message: "lost"})
}

// TestEmitterUnsubscribeDuringDelivery обработчик может отписаться изнутри
// доставки, текущий снимок подписчиков при этом дорабатывает
func TestEmitterUnsubscribeDuringDelivery(t *testing.T) {
	em := softphone.NewEmitter()

	var first, second int
	var sub softphone.Subscription
	sub = em.Subscribe(softphone.EventCallEnded, func(softphone.Event) {
		first++
		em.Unsubscribe(sub)
	})
	em.Subscribe(softphone.EventCallEnded, func(softphone.Event) { second++ })

	em.Publish(softphone.CallEnded{})
	em.Publish(softphone.CallEnded{})

	assert.Equal(t, 1, first, "self-unsubscribed handler fires once")
	assert.Equal(t, 2, second, "other handler is unaffected")
}

// TestEventKinds каждое событие сообщает свой вид
func TestEventKinds(t *testing.T) {
	assert.Equal(t, softphone.EventRegistrationChange, softphone.RegistrationChange{}.Kind())
	assert.Equal(t, softphone.EventCallState, softphone.CallStateChange{}.Kind())
	assert.Equal(t, softphone.EventCallEnded, softphone.CallEnded{}.Kind())
	assert.Equal(t, softphone.EventCallError, softphone.CallError{}.Kind())
}

package mailbox

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFIFO(t *testing.T) {
	m := New[int]()
	for i := 0; i < 100; i++ {
		require.True(t, m.Send(i))
	}
	require.Equal(t, 100, m.Len())
	for i := 0; i < 100; i++ {
		v, ok := m.Receive()
		require.True(t, ok)
		require.Equal(t, i, v)
	}
}

func TestReceiveBlocksUntilSend(t *testing.T) {
	m := New[string]()
	got := make(chan string, 1)
	go func() {
		v, _ := m.Receive()
		got <- v
	}()

	select {
	case <-got:
		t.Fatal("Receive returned on empty mailbox")
	case <-time.After(20 * time.Millisecond):
	}
	m.Send("hello")
	select {
	case v := <-got:
		require.Equal(t, "hello", v)
	case <-time.After(time.Second):
		t.Fatal("Receive did not wake up")
	}
}

func TestCloseDeliversQueuedThenStops(t *testing.T) {
	m := New[int]()
	m.Send(1)
	m.Send(2)
	m.Close()
	require.False(t, m.Send(3))

	v, ok := m.Receive()
	require.True(t, ok)
	require.Equal(t, 1, v)
	v, ok = m.Receive()
	require.True(t, ok)
	require.Equal(t, 2, v)
	_, ok = m.Receive()
	require.False(t, ok)
}

func TestCloseWakesBlockedReceiver(t *testing.T) {
	m := New[int]()
	done := make(chan bool, 1)
	go func() {
		_, ok := m.Receive()
		done <- ok
	}()
	time.Sleep(10 * time.Millisecond)
	m.Close()
	select {
	case ok := <-done:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Close did not wake receiver")
	}
}

func TestCloseAndDrain(t *testing.T) {
	m := New[int]()
	m.Send(1)
	m.Send(2)
	require.Equal(t, []int{1, 2}, m.CloseAndDrain())
	_, ok := m.Receive()
	require.False(t, ok)
	require.Empty(t, m.CloseAndDrain())
}

func TestConcurrentSendersPreservePerSenderOrder(t *testing.T) {
	m := New[[2]int]()
	const senders, per = 8, 200

	var wg sync.WaitGroup
	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			for i := 0; i < per; i++ {
				m.Send([2]int{s, i})
			}
		}(s)
	}
	wg.Wait()
	m.Close()

	last := make([]int, senders)
	for i := range last {
		last[i] = -1
	}
	n := 0
	for {
		v, ok := m.Receive()
		if !ok {
			break
		}
		require.Greater(t, v[1], last[v[0]])
		last[v[0]] = v[1]
		n++
	}
	require.Equal(t, senders*per, n)
}

package driver

import (
	"sync"
	"time"

	"go.einride.tech/can"
)

// rxQueue 是接收侧的适配层：底层读协程 push，Recv 按超时取出
type rxQueue struct {
	ch        chan can.Frame
	done      chan struct{}
	closeOnce sync.Once
}

func newRxQueue(size int) *rxQueue {
	if size <= 0 {
		size = RxChannelBufferSize
	}
	return &rxQueue{ch: make(chan can.Frame, size), done: make(chan struct{})}
}

// push 不阻塞；缓冲区满时返回 ErrRxOverflow，由调用方决定是否记录
func (q *rxQueue) push(f can.Frame) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.ch <- f:
		return nil
	default:
		return ErrRxOverflow
	}
}

func (q *rxQueue) recv(timeout time.Duration) (can.Frame, bool, error) {
	// 先取已缓冲的帧，关闭后不再返回数据
	select {
	case <-q.done:
		return can.Frame{}, false, ErrClosed
	case f := <-q.ch:
		return f, true, nil
	default:
	}
	if timeout <= 0 {
		return can.Frame{}, false, nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-q.done:
		return can.Frame{}, false, ErrClosed
	case f := <-q.ch:
		return f, true, nil
	case <-timer.C:
		return can.Frame{}, false, nil
	}
}

func (q *rxQueue) close() {
	q.closeOnce.Do(func() { close(q.done) })
}

func (q *rxQueue) closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

package objstore

import (
	"bytes"
	"context"
	"io/ioutil"
	"sync"
)

type memoryObject struct {
	data        []byte
	contentType string
}

// Memory is an in-process Gateway.  It backs the "memory" object store mode
// and the tests of the packages built on Gateway.
type Memory struct {
	lock    sync.Mutex
	objects map[string]*memoryObject

	failPut    map[string]bool
	failGet    map[string]bool
	failDelete map[string]bool
	puts       int
}

func NewMemory() *Memory {
	return &Memory{
		objects:    map[string]*memoryObject{},
		failPut:    map[string]bool{},
		failGet:    map[string]bool{},
		failDelete: map[string]bool{},
	}
}

// FailPut makes every Put of key fail.
func (m *Memory) FailPut(key string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.failPut[key] = true
}

// FailGet makes every GetStream of key fail, even if the object exists.
func (m *Memory) FailGet(key string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.failGet[key] = true
}

// FailDelete makes every delete of key fail.
func (m *Memory) FailDelete(key string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.failDelete[key] = true
}

// Puts returns how many times Put has been called.
func (m *Memory) Puts() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.puts
}

// Has reports whether an object is stored under key.
func (m *Memory) Has(key string) bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	_, ok := m.objects[key]
	return ok
}

func (m *Memory) Put(ctx context.Context, key string, data []byte, contentType string) bool {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.puts++
	if m.failPut[key] {
		return false
	}

	m.objects[key] = &memoryObject{
		data:        append([]byte(nil), data...),
		contentType: contentType,
	}
	return true
}

func (m *Memory) GetStream(ctx context.Context, key string) *Object {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.failGet[key] {
		return nil
	}

	obj, ok := m.objects[key]
	if !ok {
		return nil
	}

	return &Object{
		Body:          ioutil.NopCloser(bytes.NewReader(obj.data)),
		ContentType:   obj.contentType,
		ContentLength: int64(len(obj.data)),
	}
}

func (m *Memory) DeleteMany(ctx context.Context, keys []string) bool {
	return deleteEach(ctx, keys, func(ctx context.Context, key string) bool {
		m.lock.Lock()
		defer m.lock.Unlock()

		if m.failDelete[key] {
			return false
		}
		delete(m.objects, key)
		return true
	})
}

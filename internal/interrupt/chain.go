package interrupt

import "sync"

const noLink int32 = -1

type chainLink struct {
	obj        *Object
	next, prev int32
}

// chainArena holds the circular chains of connected objects. Every
// connected object owns one link; a Single binding is a chain of one whose
// link points at itself. Object.link is only touched with mu held. Writers
// also hold the dispatcher lock; dispatch only reads, to copy a chain.
type chainArena struct {
	mu    sync.RWMutex
	links []chainLink
	free  []int32
}

// alloc gives obj a link that forms a chain of one.
func (a *chainArena) alloc(obj *Object) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var i int32
	if n := len(a.free); n > 0 {
		i = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		i = int32(len(a.links))
		a.links = append(a.links, chainLink{})
	}
	a.links[i] = chainLink{obj: obj, next: i, prev: i}
	obj.link = i
}

// release frees obj's link. obj must already be alone in its chain.
func (a *chainArena) release(obj *Object) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if obj.link == noLink {
		return
	}
	a.links[obj.link] = chainLink{next: noLink, prev: noLink}
	a.free = append(a.free, obj.link)
	obj.link = noLink
}

// insertTail appends obj to the chain headed by head.
func (a *chainArena) insertTail(head, obj *Object) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, i := head.link, obj.link
	tail := a.links[h].prev
	a.links[i].prev = tail
	a.links[i].next = h
	a.links[tail].next = i
	a.links[h].prev = i
}

// remove unlinks obj from its chain, leaving it a chain of one, and returns
// the member that followed it, or nil if obj was alone.
func (a *chainArena) remove(obj *Object) *Object {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := obj.link
	if i == noLink {
		return nil
	}
	next, prev := a.links[i].next, a.links[i].prev
	if next == i {
		return nil
	}
	a.links[prev].next = next
	a.links[next].prev = prev
	a.links[i].next = i
	a.links[i].prev = i
	return a.links[next].obj
}

// members appends the chain starting at head, in order, to buf. It appends
// nothing if head is no longer connected.
func (a *chainArena) members(head *Object, buf []*Object) []*Object {
	a.mu.RLock()
	defer a.mu.RUnlock()
	h := head.link
	if h == noLink {
		return buf
	}
	i := h
	for {
		buf = append(buf, a.links[i].obj)
		i = a.links[i].next
		if i == h {
			return buf
		}
	}
}

// len returns the length of the chain containing obj.
func (a *chainArena) len(obj *Object) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	h := obj.link
	if h == noLink {
		return 0
	}
	n := 1
	for i := a.links[h].next; i != h; i = a.links[i].next {
		n++
	}
	return n
}

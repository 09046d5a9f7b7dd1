package vm

import (
	"github.com/chazu/swarm/pkg/capability"
	"github.com/chazu/swarm/pkg/value"
)

// LinkedExitPrefix starts the reason of a block killed through a link.
const LinkedExitPrefix = "linked process died: "

// NoProc is the reason carried by a down notice for a target that never
// existed.
const NoProc = "noproc"

// ExitNotice builds the message a TrapExit block receives when a linked
// block dies abnormally.
func ExitNotice(from value.PID, info ExitInfo) value.Value {
	return value.DetachedMap(
		[]string{"tag", "sender", "reason"},
		[]value.Value{value.DetachedString("exit"), value.FromPID(from), info.ReasonValue()},
	)
}

// DownNotice builds the message a watcher receives when a monitored block
// dies.
func DownNotice(watcher, target value.PID, reason value.Value) value.Value {
	return value.DetachedMap(
		[]string{"tag", "ref", "target", "reason"},
		[]value.Value{value.DetachedString("down"), value.FromPID(watcher), value.FromPID(target), reason},
	)
}

// propagate delivers root's exit to its watchers and links. Blocks killed
// along the way are retired here and traversed in turn; each block is
// visited once.
func (s *Scheduler) propagate(root *Block) {
	visited := map[value.PID]bool{root.pid: true}
	work := []*Block{root}
	for len(work) > 0 {
		b := work[0]
		work = work[1:]
		info := b.ExitInfo()
		links, watchers, watching := b.takeEdges()

		for _, p := range watching {
			if t, ok := s.registry.Get(p); ok {
				t.removeWatcher(b.pid)
			}
		}

		// Watchers first so observers are never starved by link kills.
		for _, p := range watchers {
			w, ok := s.registry.Get(p)
			if !ok || !w.Demonitor(b.pid) {
				continue
			}
			s.notify(w, b.pid, DownNotice(p, b.pid, info.ReasonValue()))
		}

		for _, p := range links {
			l, ok := s.registry.Get(p)
			if !ok || !l.Unlink(b.pid) || info.Normal() {
				continue
			}
			if next := s.exitSignal(l, b.pid, info); next != nil && !visited[next.pid] {
				visited[next.pid] = true
				work = append(work, next)
			}
		}
	}
}

// exitSignal applies an abnormal exit of from to the linked block l. It
// returns l when l was killed by it and still needs its own propagation.
func (s *Scheduler) exitSignal(l *Block, from value.PID, info ExitInfo) *Block {
	if !l.Alive() {
		return nil
	}
	if l.HasCap(capability.TrapExit) {
		s.notify(l, from, ExitNotice(from, info))
		return nil
	}
	prev, changed := l.markDead(ExitInfo{Code: 1, Reason: LinkedExitPrefix + info.describe(), HasReason: true}, nil)
	if !changed || prev == StateRunning {
		// A running block is retired by its worker.
		return nil
	}
	if s.retire(l) {
		return l
	}
	return nil
}

// link runs LINK for from.
func (s *Scheduler) link(from *Block, to value.PID) *RuntimeError {
	if to == from.pid {
		return nil
	}
	t, ok := s.registry.Get(to)
	if !ok {
		return &RuntimeError{Kind: KindInvalidPid, PID: to, Message: "no such block"}
	}
	s.linkBlocks(from, t)
	return nil
}

// linkBlocks joins a and t. If t is already Dead and its propagation has
// not taken the new edge, the exit is applied to a at once.
func (s *Scheduler) linkBlocks(a, t *Block) {
	a.Link(t.pid)
	t.Link(a.pid)
	if t.Alive() || !t.Unlink(a.pid) {
		return
	}
	a.Unlink(t.pid)
	info := t.ExitInfo()
	if info.Normal() {
		return
	}
	if next := s.exitSignal(a, t.pid, info); next != nil {
		s.propagate(next)
	}
}

func (s *Scheduler) unlink(from *Block, to value.PID) {
	from.Unlink(to)
	if t, ok := s.registry.Get(to); ok {
		t.Unlink(from.pid)
	}
}

// monitor runs MONITOR for from. Monitoring an unknown PID delivers a
// noproc down notice.
func (s *Scheduler) monitor(from *Block, to value.PID) *RuntimeError {
	if to == from.pid {
		return nil
	}
	t, ok := s.registry.Get(to)
	if !ok {
		s.notify(from, to, DownNotice(from.pid, to, value.DetachedString(NoProc)))
		return nil
	}
	s.monitorBlock(from, t)
	return nil
}

func (s *Scheduler) monitorBlock(w, t *Block) {
	w.Monitor(t.pid)
	t.addWatcher(w.pid)
	if t.Alive() || !t.removeWatcher(w.pid) {
		return
	}
	w.Demonitor(t.pid)
	s.notify(w, t.pid, DownNotice(w.pid, t.pid, t.ExitInfo().ReasonValue()))
}

func (s *Scheduler) demonitor(from *Block, to value.PID) {
	from.Demonitor(to)
	if t, ok := s.registry.Get(to); ok {
		t.removeWatcher(from.pid)
	}
}

func (s *Scheduler) pair(a, b value.PID) (*Block, *Block, error) {
	x, ok := s.registry.Get(a)
	if !ok {
		return nil, nil, &SchedulerError{Kind: BlockNotFound, PID: a}
	}
	y, ok := s.registry.Get(b)
	if !ok {
		return nil, nil, &SchedulerError{Kind: BlockNotFound, PID: b}
	}
	return x, y, nil
}

// Link joins two blocks so that an abnormal exit of either reaches the
// other. Linking a block to itself is a no-op.
func (s *Scheduler) Link(a, b value.PID) error {
	if a == b {
		return nil
	}
	x, y, err := s.pair(a, b)
	if err != nil {
		return err
	}
	s.linkBlocks(x, y)
	return nil
}

// Unlink removes the link between two blocks.
func (s *Scheduler) Unlink(a, b value.PID) error {
	x, y, err := s.pair(a, b)
	if err != nil {
		return err
	}
	x.Unlink(b)
	y.Unlink(a)
	return nil
}

// Monitor makes watcher receive a down notice when target dies.
func (s *Scheduler) Monitor(watcher, target value.PID) error {
	if watcher == target {
		return nil
	}
	x, y, err := s.pair(watcher, target)
	if err != nil {
		return err
	}
	s.monitorBlock(x, y)
	return nil
}

// Demonitor removes a monitor.
func (s *Scheduler) Demonitor(watcher, target value.PID) error {
	x, y, err := s.pair(watcher, target)
	if err != nil {
		return err
	}
	x.Demonitor(target)
	y.removeWatcher(watcher)
	return nil
}

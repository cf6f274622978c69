package fsm

import (
	"github.com/vmihailenco/msgpack/v5"
)

// historySnapshot is the wire shape of a machine's in-memory transition
// ring, used only for diagnostic dumps -- it never crosses the
// persistence-adapter boundary (spec.md §6's "state_machines"/"positions"
// keys stay JSON-canonical; this is a separate, optional diagnostic
// artifact).
type historySnapshot struct {
	Name    string         `msgpack:"name"`
	Current string         `msgpack:"current"`
	History []HistoryEntry `msgpack:"history"`
}

// DumpHistory encodes the machine's current state and transition ring as
// msgpack, a more compact alternative to a JSON debug dump for
// operator tooling that polls many machines at once.
func (m *Machine) DumpHistory() ([]byte, error) {
	m.mu.Lock()
	snap := historySnapshot{
		Name:    m.name,
		Current: string(m.current),
		History: append([]HistoryEntry(nil), m.history...),
	}
	m.mu.Unlock()
	return msgpack.Marshal(&snap)
}

// LoadHistorySnapshot decodes a msgpack dump produced by DumpHistory,
// returning its name, state and transition ring -- it touches no live
// machine, whose transition table and current state come from
// AddTransition/NewMachine and the persistence adapter respectively.
func LoadHistorySnapshot(b []byte) (name string, current string, history []HistoryEntry, err error) {
	var snap historySnapshot
	if err = msgpack.Unmarshal(b, &snap); err != nil {
		return "", "", nil, err
	}
	return snap.Name, snap.Current, snap.History, nil
}

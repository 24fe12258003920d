package raft

// PersistentStorage is the lifecycle shared by every durable component of
// Raft: the log, the term/vote store, and the snapshot store. Open prepares
// the backing file(s) for reads and writes, Replay loads whatever was
// previously persisted into memory, and Close releases the backing file(s).
type PersistentStorage interface {
	Open() error
	Replay() error
	Close() error
}

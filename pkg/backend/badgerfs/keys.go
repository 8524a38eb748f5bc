package badgerfs

import "github.com/google/uuid"

// Key schema. Every node is identified by a UUID and the tree shape
// lives in separate namespaces so point lookups and directory range
// scans never collide:
//
//	f:<uuid>           JSON node record (name, mode, times, length)
//	d:<uuid>           raw file content
//	p:<uuid>           parent UUID, absent for the root
//	c:<uuid>:<name>    child UUID, one entry per directory member
//	cfg:root           UUID of the tree root
//
// Child keys embed the member name, so iterating c:<uuid>: yields a
// directory's members already in byte order.

func keyFile(id uuid.UUID) []byte {
	return append([]byte("f:"), id[:]...)
}

func keyData(id uuid.UUID) []byte {
	return append([]byte("d:"), id[:]...)
}

func keyParent(id uuid.UUID) []byte {
	return append([]byte("p:"), id[:]...)
}

func keyChild(parent uuid.UUID, name string) []byte {
	k := keyChildPrefix(parent)
	return append(k, name...)
}

func keyChildPrefix(parent uuid.UUID) []byte {
	k := append([]byte("c:"), parent[:]...)
	return append(k, ':')
}

func keyRoot() []byte {
	return []byte("cfg:root")
}

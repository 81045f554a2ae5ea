// Package xa implements the XA transaction branch registry: the per-branch state
// machine, backend-session binding/pinning, and durability delegation described in
// spec.md §4.3. It is grounded on the teacher's TransactionManager
// (server/transactions.go) — a registry map guarded by a mutex plus a cleanup loop —
// generalized from a single committed/rolled-back transaction ID to a full XA
// branch state machine with session pinning.
package xa

import "fmt"

// maxXidPart is the maximum byte length of gtrid/bqual per the X/Open XA spec (64
// bytes each); enforced here since a caller-supplied oversized id would otherwise
// silently distinguish itself from every other wire implementation's limit.
const maxXidPart = 64

// XidKey is an immutable, comparable value identifying an XA branch globally
// (spec.md §3). gtrid/bqual are copied into fixed-size arrays so XidKey can be used
// directly as a map key without a custom Equal/Hash pair.
type XidKey struct {
	FormatID int32
	gtridLen int
	bqualLen int
	gtrid    [maxXidPart]byte
	bqual    [maxXidPart]byte
}

// NewXidKey builds a XidKey from wire-shaped components, copying gtrid/bqual so the
// caller's backing arrays can be reused or mutated afterward.
func NewXidKey(formatID int32, gtrid, bqual []byte) (XidKey, error) {
	if len(gtrid) > maxXidPart {
		return XidKey{}, fmt.Errorf("xa: gtrid exceeds %d bytes", maxXidPart)
	}
	if len(bqual) > maxXidPart {
		return XidKey{}, fmt.Errorf("xa: bqual exceeds %d bytes", maxXidPart)
	}
	var k XidKey
	k.FormatID = formatID
	k.gtridLen = copy(k.gtrid[:], gtrid)
	k.bqualLen = copy(k.bqual[:], bqual)
	return k, nil
}

// Gtrid returns a copy of the global transaction identifier.
func (k XidKey) Gtrid() []byte {
	out := make([]byte, k.gtridLen)
	copy(out, k.gtrid[:k.gtridLen])
	return out
}

// Bqual returns a copy of the branch qualifier.
func (k XidKey) Bqual() []byte {
	out := make([]byte, k.bqualLen)
	copy(out, k.bqual[:k.bqualLen])
	return out
}

func (k XidKey) String() string {
	return fmt.Sprintf("xid(fmt=%d,gtrid=%x,bqual=%x)", k.FormatID, k.gtrid[:k.gtridLen], k.bqual[:k.bqualLen])
}

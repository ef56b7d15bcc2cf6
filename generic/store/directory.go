package store

import (
	"context"
	"sync"

	"github.com/warp/fee-engine/generic"
)

// =============================================================================
// MEMORY DIRECTORY - Students and their embedded refund ledgers
// =============================================================================

type Directory struct {
	mu       sync.RWMutex
	students map[generic.StudentID]generic.Student
}

var _ generic.StudentDirectory = (*Directory)(nil)

func NewDirectory(students ...generic.Student) *Directory {
	d := &Directory{students: make(map[generic.StudentID]generic.Student)}
	for _, s := range students {
		d.students[s.ID] = s
	}
	return d
}

// Put inserts or replaces a student.
func (d *Directory) Put(s generic.Student) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.students[s.ID] = cloneStudent(s)
}

func (d *Directory) Students(_ context.Context, ids []generic.StudentID) ([]generic.Student, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	result := make([]generic.Student, 0, len(ids))
	for _, id := range ids {
		s, ok := d.students[id]
		if !ok {
			return nil, generic.NewNotFound("student", string(id))
		}
		result = append(result, cloneStudent(s))
	}
	return result, nil
}

func (d *Directory) SetHasDiscount(_ context.Context, id generic.StudentID, hasDiscount bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.students[id]
	if !ok {
		return generic.NewNotFound("student", string(id))
	}
	s.HasDiscount = hasDiscount
	d.students[id] = s
	return nil
}

func (d *Directory) AppendRefund(_ context.Context, id generic.StudentID, entry generic.RefundEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.students[id]
	if !ok {
		return generic.NewNotFound("student", string(id))
	}
	s = cloneStudent(s)
	s.Refunds.Append(entry)
	d.students[id] = s
	return nil
}

func (d *Directory) RemovePendingRefunds(_ context.Context, id generic.StudentID, discountID generic.DiscountID) (generic.Amount, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.students[id]
	if !ok {
		return generic.Amount{}, generic.NewNotFound("student", string(id))
	}
	s = cloneStudent(s)
	removed := s.Refunds.RemovePending(discountID)
	d.students[id] = s
	return removed, nil
}

func cloneStudent(s generic.Student) generic.Student {
	s.Refunds.Entries = append([]generic.RefundEntry(nil), s.Refunds.Entries...)
	if s.Refunds.Total.Value.IsZero() {
		s.Refunds.Total = generic.ZeroAmount()
	}
	return s
}

// =============================================================================
// MEMORY FEE STRUCTURES
// =============================================================================

type FeeStructures struct {
	mu         sync.RWMutex
	structures map[generic.FeeStructureID]generic.FeeStructure
}

var _ generic.FeeStructureProvider = (*FeeStructures)(nil)

func NewFeeStructures(structures ...generic.FeeStructure) *FeeStructures {
	fs := &FeeStructures{structures: make(map[generic.FeeStructureID]generic.FeeStructure)}
	for _, s := range structures {
		fs.structures[s.ID] = s
	}
	return fs
}

func (fs *FeeStructures) Put(s generic.FeeStructure) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.structures[s.ID] = s
}

func (fs *FeeStructures) FeeStructure(_ context.Context, id generic.FeeStructureID) (generic.FeeStructure, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	s, ok := fs.structures[id]
	if !ok {
		return generic.FeeStructure{}, generic.NewNotFound("fee structure", string(id))
	}
	return s, nil
}

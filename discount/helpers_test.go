package discount_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/fee-engine/discount"
	"github.com/warp/fee-engine/generic"
	"github.com/warp/fee-engine/generic/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const (
	testDiscount  generic.DiscountID     = "sibling-2025"
	testSection   generic.SectionID      = "grade-3a"
	testStructure generic.FeeStructureID = "fs-2025"
	tuition       generic.RowID          = "tuition"
	transport     generic.RowID          = "transport"
)

// Mid-January: the January installment is due, later ones are upcoming.
var testNow = time.Date(2025, time.January, 15, 9, 0, 0, 0, time.UTC)

type fixture struct {
	svc       *discount.Service
	store     *store.Memory
	directory *store.Directory
	fees      *store.FeeStructures
	published *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, nil)
}

// newFixtureWith lets a test wrap the directory the engine sees.
func newFixtureWith(t *testing.T, wrap func(*store.Directory) generic.StudentDirectory) *fixture {
	t.Helper()
	f := &fixture{
		store:     store.NewMemory(),
		directory: store.NewDirectory(),
		fees:      store.NewFeeStructures(),
		published: &recordingPublisher{},
	}
	f.store.SetClock(func() time.Time { return testNow })

	var dir generic.StudentDirectory = f.directory
	if wrap != nil {
		dir = wrap(f.directory)
	}
	f.svc = discount.NewService(f.store, dir, f.fees,
		discount.WithClock(func() time.Time { return testNow }),
		discount.WithPublisher(f.published),
		discount.WithLocker(discount.NewKeyedMutex(2*time.Second)),
	)
	_, err := f.svc.CreateBudget(context.Background(), testDiscount, generic.NewAmount(10000))
	require.NoError(t, err)
	return f
}

// feeStructure registers the structure with one row per (row, dues) pair.
func (f *fixture) feeStructure(rows map[generic.RowID][]float64) {
	fs := generic.FeeStructure{ID: testStructure, Name: "2025 Standard"}
	for _, id := range []generic.RowID{tuition, transport} {
		dues, ok := rows[id]
		if !ok {
			continue
		}
		row := generic.FeeRow{RowID: id, FeeTypeID: generic.FeeTypeID(id), Name: string(id), TotalAmount: generic.ZeroAmount()}
		for i, d := range dues {
			row.TotalAmount = row.TotalAmount.Add(generic.NewAmount(d))
			row.Schedule = append(row.Schedule, generic.ScheduleItem{Date: monthDate(i), Amount: generic.NewAmount(d)})
		}
		fs.Rows = append(fs.Rows, row)
	}
	f.fees.Put(fs)
}

// addStudent registers a student in section with installments for row,
// one per month from January 10.
func (f *fixture) addStudent(t *testing.T, id generic.StudentID, section generic.SectionID, row generic.RowID, dues ...float64) {
	t.Helper()
	f.directory.Put(generic.Student{ID: id, Name: string(id), SectionID: section, Refunds: generic.RefundLedger{Total: generic.ZeroAmount()}})
	var fis []generic.FeeInstallment
	for i, d := range dues {
		fis = append(fis, generic.NewInstallment(
			installmentID(id, row, i), id, section, testStructure, row, generic.FeeTypeID(row),
			monthDate(i), generic.NewAmount(d), generic.TimePointOf(testNow)))
	}
	require.NoError(t, f.store.SaveInstallments(context.Background(), fis))
}

// student adds a student with tuition dues and a matching fee structure.
func (f *fixture) student(t *testing.T, id generic.StudentID, dues ...float64) {
	t.Helper()
	f.feeStructure(map[generic.RowID][]float64{tuition: dues})
	f.addStudent(t, id, testSection, tuition, dues...)
}

func (f *fixture) installment(t *testing.T, id generic.InstallmentID) generic.FeeInstallment {
	t.Helper()
	fi, err := f.store.Installment(context.Background(), id)
	require.NoError(t, err)
	return fi
}

func (f *fixture) budget(t *testing.T) generic.BudgetAccount {
	t.Helper()
	acc, err := f.svc.Budget(context.Background(), testDiscount)
	require.NoError(t, err)
	return acc
}

// rollup returns the class rollup, or zero counters if none exists yet.
func (f *fixture) rollup(t *testing.T) generic.Counters {
	t.Helper()
	rollups, err := f.svc.Rollups(context.Background(), testDiscount)
	require.NoError(t, err)
	for _, r := range rollups {
		if r.Key.SectionID == testSection && r.Key.FeeStructureID == testStructure {
			return r.Counters
		}
	}
	return generic.ZeroCounters()
}

func (f *fixture) studentRecord(t *testing.T, id generic.StudentID) generic.Student {
	t.Helper()
	students, err := f.directory.Students(context.Background(), []generic.StudentID{id})
	require.NoError(t, err)
	return students[0]
}

func (f *fixture) allocate(t *testing.T, value float64, students ...generic.StudentID) discount.AllocationResult {
	t.Helper()
	res, err := f.svc.Allocate(context.Background(), fixedRequest(value, students...))
	require.NoError(t, err)
	return res
}

func (f *fixture) approve(t *testing.T, id generic.StudentID) discount.ResolveResult {
	t.Helper()
	res, err := f.svc.Resolve(context.Background(), discount.ResolveRequest{
		DiscountID: testDiscount, StudentID: id, SectionID: testSection, Decision: discount.DecisionApproved,
	})
	require.NoError(t, err)
	return res
}

func fixedRequest(value float64, students ...generic.StudentID) discount.AllocateRequest {
	return discount.AllocateRequest{
		DiscountID:     testDiscount,
		SectionID:      testSection,
		FeeStructureID: testStructure,
		Rows:           []generic.DiscountRow{{RowID: tuition, Value: decimal.NewFromFloat(value)}},
		StudentIDs:     students,
	}
}

func installmentID(student generic.StudentID, row generic.RowID, i int) generic.InstallmentID {
	return generic.InstallmentID(fmt.Sprintf("%s-%s-%d", student, row, i+1))
}

func monthDate(i int) generic.TimePoint {
	return generic.NewTimePoint(2025, time.January, 10).AddMonths(i)
}

func assertAmount(t *testing.T, want float64, got generic.Amount, what string) {
	t.Helper()
	assert.Truef(t, generic.NewAmount(want).Equal(got), "%s: want %.2f, got %s", what, want, got)
}

// entryAmount is the discount amount an installment carries, zero if none.
func entryAmount(fi generic.FeeInstallment) generic.Amount {
	if e, ok := fi.Entry(testDiscount); ok {
		return e.DiscountAmount
	}
	return generic.ZeroAmount()
}

// =============================================================================
// RECORDING PUBLISHER
// =============================================================================

type recordingPublisher struct {
	mu   sync.Mutex
	sent []generic.Notification
}

func (p *recordingPublisher) Publish(n generic.Notification) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, n)
}

func (p *recordingPublisher) kinds() []generic.NotificationKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]generic.NotificationKind, len(p.sent))
	for i, n := range p.sent {
		out[i] = n.Kind
	}
	return out
}

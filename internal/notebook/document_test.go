package notebook

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func seedDocument(t *testing.T) *Document {
	t.Helper()
	doc := New("doc-1", "replica-a")
	require.NoError(t, doc.SetTitle("user", "Revenue"))
	require.NoError(t, doc.PutBlock("user", &SQLBlock{
		BlockBase:     BlockBase{ID: "q1", Title: "Query 1", Index: 1},
		Source:        "select * from orders",
		DataSourceID:  strPtr("ds-prod"),
		DataframeName: EditableValue{Value: "orders"},
	}))
	require.NoError(t, doc.PutBlock("user", &PythonBlock{
		BlockBase: BlockBase{ID: "py1", Title: "Clean", Index: 2},
		Source:    "orders.dropna()",
	}))
	require.NoError(t, doc.PutBlock("user", &VisualizationBlock{
		BlockBase:     BlockBase{ID: "viz1", Index: 3},
		DataframeName: "orders",
		ChartType:     "bar",
		XAxis:         "month",
		YAxis:         []string{"total"},
	}))
	require.NoError(t, doc.PutDashboardItem("user", DashboardItem{ID: "dash-1", BlockID: "viz1", W: 6, H: 4}))
	require.NoError(t, doc.PutDataframe("executor", Dataframe{Name: "orders", BlockID: "q1", Columns: []Column{{Name: "month", Type: "text"}}}))
	return doc
}

func TestBlocksFollowLayoutOrder(t *testing.T) {
	doc := seedDocument(t)
	assert.Equal(t, []string{"q1", "py1", "viz1"}, doc.Layout())

	require.NoError(t, doc.SetLayout("user", []string{"viz1", "q1", "py1"}))
	blocks, err := doc.Blocks()
	require.NoError(t, err)
	var ids []string
	for _, b := range blocks {
		ids = append(ids, b.Base().ID)
	}
	assert.Equal(t, []string{"viz1", "q1", "py1"}, ids)
}

func TestBlockRoundTripKeepsVariant(t *testing.T) {
	doc := seedDocument(t)
	b, err := doc.Block("q1")
	require.NoError(t, err)
	sql, ok := b.(*SQLBlock)
	require.True(t, ok, "got %T", b)
	assert.Equal(t, "select * from orders", sql.Source)
	assert.Equal(t, "ds-prod", *sql.DataSourceID)
	assert.Equal(t, "orders", sql.DataframeName.Value)

	_, err = doc.Block("missing")
	assert.True(t, errors.Is(err, ErrBlockNotFound))
}

func TestConcurrentSourceEditAndResultWriteMerge(t *testing.T) {
	a := seedDocument(t)
	b := New("doc-1", "replica-b")
	state, err := a.CRDT().EncodeState()
	require.NoError(t, err)
	require.NoError(t, b.CRDT().LoadState(state))

	userEdit, err := a.ApplyLocalUpdate("user", func(tx *Tx) error {
		return tx.UpdateBlock("q1", func(blk Block) error {
			blk.(*SQLBlock).Source = "select 2"
			return nil
		})
	})
	require.NoError(t, err)
	resultWrite, err := b.ApplyLocalUpdate("executor", func(tx *Tx) error {
		return tx.UpdateBlock("q1", func(blk Block) error {
			blk.(*SQLBlock).Result = &Result{Kind: ResultSuccess, Rows: 3}
			return nil
		})
	})
	require.NoError(t, err)
	require.Len(t, resultWrite.Ops, 1, "only the changed field is written")

	a.ApplyRemoteUpdate(resultWrite)
	b.ApplyRemoteUpdate(userEdit)

	for _, doc := range []*Document{a, b} {
		blk, err := doc.Block("q1")
		require.NoError(t, err)
		sql := blk.(*SQLBlock)
		assert.Equal(t, "select 2", sql.Source)
		require.NotNil(t, sql.Result)
		assert.Equal(t, 3, sql.Result.Rows)
	}
}

func TestResultWrittenAfterConcurrentDeleteDoesNotReviveBlock(t *testing.T) {
	a := seedDocument(t)
	b := New("doc-1", "replica-b")
	state, err := a.CRDT().EncodeState()
	require.NoError(t, err)
	require.NoError(t, b.CRDT().LoadState(state))

	deleted, err := b.ApplyLocalUpdate("user", func(tx *Tx) error {
		return tx.DeleteBlock("q1")
	})
	require.NoError(t, err)

	// a's clock runs ahead so its result write outranks the delete
	for i := 0; i < 5; i++ {
		require.NoError(t, a.SetTitle("user", "Revenue v"+string(rune('0'+i))))
	}
	resultWrite, err := a.ApplyLocalUpdate("executor", func(tx *Tx) error {
		return tx.UpdateBlock("q1", func(blk Block) error {
			blk.(*SQLBlock).Result = &Result{Kind: ResultSuccess, Rows: 3}
			return nil
		})
	})
	require.NoError(t, err)

	a.ApplyRemoteUpdate(deleted)
	b.ApplyRemoteUpdate(resultWrite)

	for _, doc := range []*Document{a, b} {
		blocks, err := doc.Blocks()
		require.NoError(t, err)
		for _, blk := range blocks {
			assert.NotEqual(t, "q1", blk.Base().ID)
		}
		assert.Len(t, blocks, 2)
		_, err = doc.Block("q1")
		assert.ErrorIs(t, err, ErrBlockNotFound)
		assert.ErrorIs(t, doc.DeleteBlock("user", "q1"), ErrBlockNotFound)
	}

	// putting the block back restores a readable block
	require.NoError(t, a.PutBlock("user", &SQLBlock{BlockBase: BlockBase{ID: "q1"}, Source: "select 1"}))
	blk, err := a.Block("q1")
	require.NoError(t, err)
	assert.Equal(t, "select 1", blk.(*SQLBlock).Source)
}

func TestDeleteBlockDropsLayoutAndDashboard(t *testing.T) {
	doc := seedDocument(t)
	require.NoError(t, doc.DeleteBlock("user", "viz1"))
	assert.Equal(t, []string{"q1", "py1"}, doc.Layout())
	assert.Empty(t, doc.Dashboard())
	assert.ErrorIs(t, doc.DeleteBlock("user", "viz1"), ErrBlockNotFound)
}

func TestClearingOptionalFieldUnsetsRegister(t *testing.T) {
	doc := seedDocument(t)
	require.NoError(t, doc.UpdateBlock("executor", "py1", func(b Block) error {
		b.(*PythonBlock).Result = &Result{Kind: ResultError}
		return nil
	}))
	require.NoError(t, doc.UpdateBlock("executor", "py1", func(b Block) error {
		b.(*PythonBlock).Result = nil
		return nil
	}))
	b, err := doc.Block("py1")
	require.NoError(t, err)
	assert.Nil(t, b.(*PythonBlock).Result)
}

type countingVisitor struct{ seen map[BlockType]int }

func (c *countingVisitor) hit(t BlockType) error { c.seen[t]++; return nil }

func (c *countingVisitor) VisitSQL(*SQLBlock) error                     { return c.hit(TypeSQL) }
func (c *countingVisitor) VisitPython(*PythonBlock) error               { return c.hit(TypePython) }
func (c *countingVisitor) VisitVisualization(*VisualizationBlock) error { return c.hit(TypeVisualization) }
func (c *countingVisitor) VisitWriteback(*WritebackBlock) error         { return c.hit(TypeWriteback) }
func (c *countingVisitor) VisitTextInput(*TextInputBlock) error         { return c.hit(TypeTextInput) }
func (c *countingVisitor) VisitDropdownInput(*DropdownInputBlock) error { return c.hit(TypeDropdownInput) }
func (c *countingVisitor) VisitDateInput(*DateInputBlock) error         { return c.hit(TypeDateInput) }
func (c *countingVisitor) VisitPivotTable(*PivotTableBlock) error       { return c.hit(TypePivotTable) }
func (c *countingVisitor) VisitFileUpload(*FileUploadBlock) error       { return c.hit(TypeFileUpload) }
func (c *countingVisitor) VisitRichText(*RichTextBlock) error           { return c.hit(TypeRichText) }

func TestEveryVariantRoundTripsThroughTheDocument(t *testing.T) {
	types := []BlockType{
		TypeSQL, TypePython, TypeVisualization, TypeWriteback, TypeTextInput,
		TypeDropdownInput, TypeDateInput, TypePivotTable, TypeFileUpload, TypeRichText,
	}
	doc := New("doc", "r")
	for _, typ := range types {
		b := NewBlock(typ)
		require.NotNil(t, b, typ)
		b.Base().ID = "b-" + string(typ)
		require.NoError(t, doc.PutBlock("user", b))
	}
	blocks, err := doc.Blocks()
	require.NoError(t, err)

	v := &countingVisitor{seen: map[BlockType]int{}}
	for _, b := range blocks {
		require.NoError(t, b.Accept(v))
	}
	for _, typ := range types {
		assert.Equal(t, 1, v.seen[typ], typ)
	}
	assert.Nil(t, NewBlock("unknown"))
}

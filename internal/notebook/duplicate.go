package notebook

import (
	"fmt"

	"notebook/api/internal/util"
)

type DuplicateOptions struct {
	// KeepIDs copies block and dashboard ids verbatim instead of minting new ones.
	KeepIDs bool
	// DatasourceMap rewrites data source ids embedded in blocks. Unmapped ids are kept.
	DatasourceMap map[string]string
}

// Duplicate copies blocks, layout, dashboard items and dataframe metadata from
// source into target. Execution and AI queues are never copied. It returns the
// old→new block id mapping.
func Duplicate(source, target *Document, titleFn func(string) string, opts DuplicateOptions) (map[string]string, error) {
	var (
		title      string
		blocks     []Block
		layout     []string
		dashboard  []DashboardItem
		dataframes []Dataframe
		readErr    error
	)
	source.Read(func(v View) {
		title = v.Title()
		blocks, readErr = v.Blocks()
		layout = v.Layout()
		dashboard = v.Dashboard()
		dataframes = v.Dataframes()
	})
	if readErr != nil {
		return nil, fmt.Errorf("duplicate %s: %w", source.ID(), readErr)
	}

	idMap := make(map[string]string, len(blocks))
	for _, b := range blocks {
		oldID := b.Base().ID
		if opts.KeepIDs {
			idMap[oldID] = oldID
		} else {
			idMap[oldID] = util.NewID("")
		}
	}

	remap := datasourceRemapper{mapping: opts.DatasourceMap}
	_, err := target.ApplyLocalUpdate("duplicate", func(tx *Tx) error {
		if titleFn != nil {
			title = titleFn(title)
		}
		if err := tx.SetTitle(title); err != nil {
			return err
		}
		for _, b := range blocks {
			b.Base().ID = idMap[b.Base().ID]
			if err := b.Accept(remap); err != nil {
				return err
			}
			if err := writeBlock(tx.Txn, b); err != nil {
				return err
			}
		}
		for i, oldID := range layout {
			newID, ok := idMap[oldID]
			if !ok {
				continue
			}
			if err := tx.Set(CollectionLayout, newID, "position", float64(i+1)); err != nil {
				return err
			}
		}
		for _, item := range dashboard {
			newBlockID, ok := idMap[item.BlockID]
			if !ok {
				continue
			}
			item.BlockID = newBlockID
			if !opts.KeepIDs {
				item.ID = util.NewID("dash")
			}
			if err := tx.PutDashboardItem(item); err != nil {
				return err
			}
		}
		for _, df := range dataframes {
			if newBlockID, ok := idMap[df.BlockID]; ok {
				df.BlockID = newBlockID
			} else {
				continue
			}
			if err := tx.PutDataframe(df); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("duplicate %s into %s: %w", source.ID(), target.ID(), err)
	}
	return idMap, nil
}

type datasourceRemapper struct {
	mapping map[string]string
}

func (r datasourceRemapper) remap(id *string) *string {
	if id == nil {
		return nil
	}
	if mapped, ok := r.mapping[*id]; ok {
		return &mapped
	}
	return id
}

func (r datasourceRemapper) VisitSQL(b *SQLBlock) error {
	b.DataSourceID = r.remap(b.DataSourceID)
	b.AISuggestions = nil
	return nil
}

func (r datasourceRemapper) VisitPython(b *PythonBlock) error {
	b.AISuggestions = nil
	return nil
}

func (r datasourceRemapper) VisitVisualization(b *VisualizationBlock) error {
	b.DataSourceID = r.remap(b.DataSourceID)
	return nil
}

func (r datasourceRemapper) VisitWriteback(b *WritebackBlock) error {
	b.DataSourceID = r.remap(b.DataSourceID)
	return nil
}

func (datasourceRemapper) VisitTextInput(*TextInputBlock) error         { return nil }
func (datasourceRemapper) VisitDropdownInput(*DropdownInputBlock) error { return nil }
func (datasourceRemapper) VisitDateInput(*DateInputBlock) error         { return nil }
func (datasourceRemapper) VisitPivotTable(*PivotTableBlock) error       { return nil }
func (datasourceRemapper) VisitFileUpload(*FileUploadBlock) error       { return nil }
func (datasourceRemapper) VisitRichText(*RichTextBlock) error           { return nil }

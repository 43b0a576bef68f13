package cli

import (
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/malbeclabs/matview/pkg/audit"
	"github.com/malbeclabs/matview/pkg/engine"
	"github.com/malbeclabs/matview/pkg/entity"
)

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetRowLine(true)
	table.SetHeader(header)
	return table
}

func renderBuildReport(w io.Writer, report *engine.BuildReport) {
	table := newTable(w, []string{"Tenant", "Model", "View", "Columns", "Warnings", "Error"})
	for _, t := range report.Tenants {
		if t.Err != nil {
			table.Append([]string{t.Tenant, "", "", "", "", t.Error})
			continue
		}
		for _, v := range t.Views {
			table.Append([]string{
				t.Tenant,
				v.Model,
				v.View,
				strconv.Itoa(len(v.Columns)),
				strings.Join(v.Warnings, "\n"),
				v.Error,
			})
		}
	}
	table.Render()
}

func renderRefreshAck(w io.Writer, ack *engine.RefreshAck) {
	table := newTable(w, []string{"View", "Status"})
	for _, v := range ack.Issued {
		table.Append([]string{v, "issued"})
	}
	for _, v := range ack.Skipped {
		table.Append([]string{v, "skipped (already refreshing)"})
	}
	for _, v := range ack.Missing {
		table.Append([]string{v, "missing"})
	}
	table.Render()
}

func renderAudit(w io.Writer, res *audit.Result) {
	table := newTable(w, []string{"Tenant", "Missing views"})
	for _, tenant := range res.Tenants {
		table.Append([]string{tenant, strings.Join(res.Missing[tenant], "\n")})
	}
	table.Render()
}

func renderModels(w io.Writer, models []*entity.Model) {
	table := newTable(w, []string{"Model", "Table", "Primary key", "Columns", "Search fields", "Refresh interval"})
	for _, m := range models {
		interval := "default"
		if m.RefreshInterval > 0 {
			interval = m.RefreshInterval.String()
		}
		table.Append([]string{
			m.Name,
			m.Table,
			strings.Join(m.PrimaryKey, ", "),
			strconv.Itoa(len(m.Columns)),
			strings.Join(m.SearchFields, ", "),
			interval,
		})
	}
	table.Render()
}

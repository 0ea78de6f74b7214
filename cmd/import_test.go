package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFactsCSV_VenueDayFacts(t *testing.T) {
	csv := `org_id,venue_id,business_date,net_sales,comp_total,comp_pct,covers
org-1,v-1,2026-08-20,14250.00,412.50,2.9,310
org-1,v-2,2026-08-20,9800.00,690.00,7.0,214
`
	rows, err := parseFactsCSV(factTables["venue_day_facts"], strings.NewReader(csv))
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "org-1", rows[0][0])
	assert.Equal(t, "2026-08-20", rows[0][2])
	assert.Equal(t, 14250.00, rows[0][3])
	assert.Equal(t, 310, rows[0][6])
	assert.Equal(t, 7.0, rows[1][5])
}

func TestParseFactsCSV_InvoiceVariances_Bool(t *testing.T) {
	csv := `org_id,venue_id,business_date,vendor,item,variance_pct,is_spike
org-1,v-1,2026-08-20,acme-foods,flour,31.5,true
`
	rows, err := parseFactsCSV(factTables["invoice_variances"], strings.NewReader(csv))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, true, rows[0][6])
}

func TestParseFactsCSV_HeaderMismatch(t *testing.T) {
	csv := `org_id,venue,business_date,net_sales,comp_total,comp_pct,covers
org-1,v-1,2026-08-20,1,2,3,4
`
	_, err := parseFactsCSV(factTables["venue_day_facts"], strings.NewReader(csv))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `column 2 is "venue"`)
}

func TestParseFactsCSV_WrongColumnCount(t *testing.T) {
	csv := `org_id,venue_id
org-1,v-1
`
	_, err := parseFactsCSV(factTables["venue_day_facts"], strings.NewReader(csv))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "want 7")
}

func TestParseFactsCSV_BadNumber(t *testing.T) {
	csv := `org_id,venue_id,business_date,net_sales,comp_total,comp_pct,covers
org-1,v-1,2026-08-20,lots,2,3,4
`
	_, err := parseFactsCSV(factTables["venue_day_facts"], strings.NewReader(csv))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "net_sales")
}

func TestFactTables_ShapesAreConsistent(t *testing.T) {
	for name, spec := range factTables {
		assert.Equal(t, len(spec.columns), len(spec.kinds), "table %s kinds mismatch", name)
		for _, key := range spec.conflictKeys {
			assert.Contains(t, spec.columns, key, "table %s conflict key %s missing", name, key)
		}
	}
}

package templates

import (
	"sort"
	"strings"
	"testing"

	"github.com/rendis/botflow/internal/expressions"
	"github.com/rendis/botflow/internal/validation"
	"github.com/rendis/botflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newValidator(t *testing.T) *validation.Validator {
	t.Helper()
	ev, err := expressions.NewEvaluator()
	require.NoError(t, err)
	v, err := validation.New(ev)
	require.NoError(t, err)
	return v
}

func TestNew_AllPacks(t *testing.T) {
	lib, err := New(newValidator(t))
	require.NoError(t, err)

	ids := lib.IDs()
	assert.Len(t, ids, 17)
	assert.True(t, sort.StringsAreSorted(ids))
	for _, id := range ids {
		assert.True(t, strings.HasSuffix(id, "_template"), id)
	}
	assert.Len(t, lib.All(), 17)
}

func TestNew_SelectedPack(t *testing.T) {
	lib, err := New(newValidator(t), PackCommerce)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"competitor_monitoring_template",
		"inventory_management_template",
		"listing_optimization_template",
		"market_research_template",
		"ppc_campaign_template",
		"product_launch_template",
	}, lib.IDs())
	assert.False(t, lib.Has("incident_response"))
}

func TestNew_UnknownPack(t *testing.T) {
	_, err := New(newValidator(t), "crm")
	require.Error(t, err)
	assert.True(t, schema.IsNotFound(err))
}

func TestGet_FullIDAndShortKey(t *testing.T) {
	lib, err := New(newValidator(t))
	require.NoError(t, err)

	full, ok := lib.Get("product_launch_template")
	require.True(t, ok)
	short, ok := lib.Get("product_launch")
	require.True(t, ok)
	assert.Same(t, full, short)

	assert.Equal(t, "Product Launch", full.Name)
	assert.Equal(t, schema.SystemOwner, full.CreatedBy)
	assert.Equal(t, schema.WorkflowStatusPending, full.Status())
	assert.Equal(t, PackCommerce, lib.Pack("product_launch"))
	assert.Equal(t, "product_launch", lib.Key("product_launch_template"))

	_, ok = lib.Get("nope")
	assert.False(t, ok)
}

func TestTemplates_ShapeIsUniform(t *testing.T) {
	lib, err := New(newValidator(t))
	require.NoError(t, err)

	for _, wf := range lib.All() {
		assert.NotEmpty(t, wf.Name, wf.ID)
		require.NotEmpty(t, wf.Steps, wf.ID)
		seen := map[string]bool{}
		for _, s := range wf.Steps {
			assert.NotEmpty(t, s.ID)
			assert.NotEmpty(t, s.Action)
			assert.False(t, seen[s.ID], "duplicate step id %s in %s", s.ID, wf.ID)
			seen[s.ID] = true
			assert.Equal(t, schema.StepStatusPending, s.Status)
			assert.Equal(t, s.MaxRetries, s.RetryCount)
			assert.NotNil(t, s.Parameters)
		}
	}
}

func TestTemplates_ConditionsAndPlaceholders(t *testing.T) {
	lib, err := New(newValidator(t), PackAssistant)
	require.NoError(t, err)

	wf, ok := lib.Get("channel_cleanup")
	require.True(t, ok)

	var archive *schema.Step
	for _, s := range wf.Steps {
		if s.ID == "archive_old_files" {
			archive = s
		}
	}
	require.NotNil(t, archive)
	require.Len(t, archive.Conditions, 1)
	assert.Equal(t, "has_old_files", archive.Conditions[0].Field)
	assert.Equal(t, schema.OpEquals, archive.Conditions[0].Operator)
	assert.Equal(t, true, archive.Conditions[0].Value)

	notify := wf.Steps[3]
	assert.Equal(t, "{channel_owner}", notify.Parameters["recipient"])
}

const extraPack = `
pack: crm
templates:
- key: lead_followup
  id: lead_followup_template
  name: Lead Follow-up
  steps:
  - action: crm.fetch_lead
    parameters:
      lead: "{lead_id}"
  - action: slack.send_message
    retry_count: 0
`

func TestAddYAML_ExtraPack(t *testing.T) {
	v := newValidator(t)
	lib, err := New(v, PackNotion)
	require.NoError(t, err)

	require.NoError(t, lib.AddYAML(v, []byte(extraPack)))

	wf, ok := lib.Get("lead_followup")
	require.True(t, ok)
	assert.Equal(t, "crm", lib.Pack(wf.ID))
	assert.Equal(t, "step_0", wf.Steps[0].ID)
	assert.Equal(t, "Step 2", wf.Steps[1].Name)
	assert.Equal(t, 0, wf.Steps[1].MaxRetries)
	assert.Equal(t, schema.DefaultTimeoutSeconds, wf.Steps[1].TimeoutSeconds)
	assert.True(t, sort.StringsAreSorted(lib.IDs()))

	err = lib.AddYAML(v, []byte(extraPack))
	assert.True(t, schema.IsConflict(err))
}

func TestAddYAML_Invalid(t *testing.T) {
	v := newValidator(t)
	lib, err := New(v, PackNotion)
	require.NoError(t, err)

	assert.Error(t, lib.AddYAML(v, []byte("pack: [unclosed")))
	assert.Error(t, lib.AddYAML(v, []byte("pack: x\ntemplates:\n- key: a\n  id: a_template\n  name: A\n  steps: []\n")))

	badOp := "pack: x\ntemplates:\n- key: a\n  id: a_template\n  name: A\n  steps:\n  - action: y\n    conditions:\n    - field: f\n      operator: between\n"
	err = lib.AddYAML(v, []byte(badOp))
	assert.Equal(t, schema.ErrCodeUnknownOperator, schema.CodeOf(err))
}

func TestActions(t *testing.T) {
	lib, err := New(newValidator(t), PackCommerce)
	require.NoError(t, err)

	acts := lib.Actions()
	assert.True(t, sort.StringsAreSorted(acts))
	assert.Contains(t, acts, "research_ppc_keywords")
	assert.Contains(t, acts, "launch_ppc_campaigns")
	assert.NotContains(t, acts, "slack.send_message")

	seen := make(map[string]bool)
	for _, a := range acts {
		assert.False(t, seen[a], "duplicate %s", a)
		seen[a] = true
	}
}

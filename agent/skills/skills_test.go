package skills

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/agentcore/agent/events"
)

func writeSkill(t *testing.T, root, dir, frontMatter, body string) string {
	t.Helper()
	skillDir := filepath.Join(root, dir)
	require.NoError(t, os.MkdirAll(skillDir, 0o755))
	content := "---\n" + frontMatter + "\n---\n" + body
	require.NoError(t, os.WriteFile(filepath.Join(skillDir, "SKILL.md"), []byte(content), 0o644))
	return skillDir
}

func newTestSkillManager(t *testing.T, paths []string) (*Manager, *[]events.Event) {
	t.Helper()
	var emitted []events.Event
	m := NewManager(paths, func(_ context.Context, ev events.Event) events.Bookmark {
		emitted = append(emitted, ev)
		return events.Bookmark{}
	})
	return m, &emitted
}

func TestDiscoverFindsSkillMetadata(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "pdf", "name: pdf\ndescription: Work with PDF files\ntrusted: true", "Use pdftotext.")
	writeSkill(t, root, "sheets", "name: sheets\ndescription: Spreadsheet helpers\nallowedTools:\n  - bash", "Body.")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "not-a-skill"), 0o755))

	m, _ := newTestSkillManager(t, []string{root})
	metas, err := m.Discover()
	require.NoError(t, err)
	require.Len(t, metas, 2)
	require.Equal(t, "pdf", metas[0].Name)
	require.True(t, metas[0].Trusted)
	require.Equal(t, []string{"bash"}, metas[1].AllowedTools)
	require.Equal(t, metas, m.Discovered())
}

func TestDiscoverMissingRootIsNotAnError(t *testing.T) {
	m, _ := newTestSkillManager(t, []string{"/does/not/exist"})
	metas, err := m.Discover()
	require.NoError(t, err)
	require.Empty(t, metas)
}

func TestDiscoverFirstPathWins(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	writeSkill(t, first, "pdf", "name: pdf\ndescription: primary", "")
	writeSkill(t, second, "pdf", "name: pdf\ndescription: shadowed", "")

	m, _ := newTestSkillManager(t, []string{first, second})
	metas, err := m.Discover()
	require.NoError(t, err)
	require.Len(t, metas, 1)
	require.Equal(t, "primary", metas[0].Description)
}

func TestActivateLoadsBodyAndResources(t *testing.T) {
	root := t.TempDir()
	dir := writeSkill(t, root, "pdf", "name: pdf\ndescription: PDFs", "Read the manual first.")
	resDir := filepath.Join(dir, "resources")
	require.NoError(t, os.MkdirAll(resDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(resDir, "manual.md"), []byte("manual"), 0o644))

	m, emitted := newTestSkillManager(t, []string{root})
	_, err := m.Discover()
	require.NoError(t, err)

	skill, err := m.Activate(context.Background(), "pdf", ActivatedByModel)
	require.NoError(t, err)
	require.Equal(t, "Read the manual first.", skill.Body)
	require.Equal(t, []string{"resources/manual.md"}, skill.Resources)
	require.Equal(t, []string{"pdf"}, m.Activated())

	require.Len(t, *emitted, 1)
	sa, ok := (*emitted)[0].(*events.SkillActivated)
	require.True(t, ok)
	require.Equal(t, "pdf", sa.Skill)
	require.Equal(t, ActivatedByModel, sa.ActivatedBy)

	// Re-activation reloads without re-emitting.
	_, err = m.Activate(context.Background(), "pdf", ActivatedByModel)
	require.NoError(t, err)
	require.Len(t, *emitted, 1)
}

func TestActivateUnknownSkill(t *testing.T) {
	m, _ := newTestSkillManager(t, nil)
	_, err := m.Activate(context.Background(), "ghost", ActivatedByModel)
	require.Error(t, err)
}

func TestRestoreActivatedDoesNotEmit(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "pdf", "name: pdf\ndescription: PDFs", "")
	m, emitted := newTestSkillManager(t, []string{root})
	_, err := m.Discover()
	require.NoError(t, err)

	m.RestoreActivated([]string{"pdf"})
	require.Equal(t, []string{"pdf"}, m.Activated())
	require.Empty(t, *emitted)
}

func TestPromptBlock(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "pdf", "name: pdf\ndescription: Work with <PDF> files", "")
	writeSkill(t, root, "sheets", "name: sheets\ndescription: Spreadsheets", "")
	m, _ := newTestSkillManager(t, []string{root})
	_, err := m.Discover()
	require.NoError(t, err)

	block := m.PromptBlock([]string{"sheets"})
	require.Contains(t, block, "<available_skills>")
	require.Contains(t, block, `<skill name="pdf">Work with &lt;PDF&gt; files</skill>`)
	require.Contains(t, block, `<skill name="sheets" recommended="true">`)

	empty, _ := newTestSkillManager(t, nil)
	require.Empty(t, empty.PromptBlock(nil))
}

func TestActivationBlock(t *testing.T) {
	s := &Skill{
		Meta:      Meta{Name: "pdf"},
		Body:      "Use pdftotext.",
		Resources: []string{"resources/manual.md"},
	}
	block := ActivationBlock(s)
	require.Contains(t, block, `<activated_skill name="pdf">`)
	require.Contains(t, block, "Use pdftotext.")
	require.Contains(t, block, "resources/manual.md")
	require.Contains(t, block, "</activated_skill>")
}

func TestSplitFrontMatterErrors(t *testing.T) {
	root := t.TempDir()
	noFront := filepath.Join(root, "plain.md")
	require.NoError(t, os.WriteFile(noFront, []byte("just text"), 0o644))
	_, _, err := splitFrontMatter(noFront)
	require.Error(t, err)

	unterminated := filepath.Join(root, "open.md")
	require.NoError(t, os.WriteFile(unterminated, []byte("---\nname: x\n"), 0o644))
	_, _, err = splitFrontMatter(unterminated)
	require.Error(t, err)
}

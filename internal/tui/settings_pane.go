package tui

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/agentcore/internal/config"
)

// SettingsPaneModel manages the settings form overlay. Saved settings take
// effect on the next start.
type SettingsPaneModel struct {
	form        *huh.Form
	config      *config.Config
	globalPath  string
	projectPath string
	width       int
	height      int
	visible     bool
	saved       bool
	err         error

	// Form field bindings (strings for Huh)
	saveTarget       string
	maxPipelines     string
	revisionLimit    string
	maxWorkers       string
	failureThreshold string
	cooldown         string
	plannerProvider  string
	plannerModel     string
	executorProvider string
	executorModel    string
	criticProvider   string
	criticModel      string
}

// NewSettingsPaneModel creates a new settings pane.
func NewSettingsPaneModel(cfg *config.Config, globalPath, projectPath string) SettingsPaneModel {
	m := SettingsPaneModel{
		config:      cfg,
		globalPath:  globalPath,
		projectPath: projectPath,
	}
	m.loadFields()
	m.buildForm()
	return m
}

// loadFields copies the config into the form bindings.
func (m *SettingsPaneModel) loadFields() {
	cfg := m.config
	m.saveTarget = "global"
	m.maxPipelines = strconv.Itoa(cfg.Orchestrator.MaxConcurrentPipelines)
	m.revisionLimit = strconv.Itoa(cfg.Orchestrator.RevisionLimit)
	m.maxWorkers = strconv.Itoa(cfg.Pools[cfg.Orchestrator.Class].MaxWorkers)
	m.failureThreshold = strconv.Itoa(cfg.Resilience.Breaker.FailureThreshold)
	m.cooldown = cfg.Resilience.Breaker.Cooldown.Std().String()
	m.plannerProvider = cfg.Agents["planner"].Provider
	m.plannerModel = cfg.Agents["planner"].Model
	m.executorProvider = cfg.Agents["executor"].Provider
	m.executorModel = cfg.Agents["executor"].Model
	m.criticProvider = cfg.Agents["critic"].Provider
	m.criticModel = cfg.Agents["critic"].Model
}

func positiveInt(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return fmt.Errorf("enter a whole number of at least 1")
	}
	return nil
}

func nonNegativeInt(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return fmt.Errorf("enter a whole number of at least 0")
	}
	return nil
}

func positiveDuration(s string) error {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fmt.Errorf("enter a duration such as 30s or 2m")
	}
	return nil
}

// buildForm constructs the Huh form with all settings fields.
func (m *SettingsPaneModel) buildForm() {
	names := make([]string, 0, len(m.config.Providers))
	for name := range m.config.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	providers := huh.NewOptions(names...)

	m.form = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Key("saveTarget").
				Title("Save To").
				Options(
					huh.NewOption("Global (~/.orchestrator/config.json)", "global"),
					huh.NewOption("Project (.orchestrator/config.json)", "project"),
				).
				Value(&m.saveTarget),
		).Title("Save Target"),

		huh.NewGroup(
			huh.NewInput().
				Key("maxPipelines").
				Title("Concurrent Pipelines").
				Value(&m.maxPipelines).
				Validate(positiveInt),

			huh.NewInput().
				Key("revisionLimit").
				Title("Revision Limit").
				Value(&m.revisionLimit).
				Validate(nonNegativeInt),

			huh.NewInput().
				Key("maxWorkers").
				Title("Workers").
				Value(&m.maxWorkers).
				Validate(positiveInt),
		).Title("Execution"),

		huh.NewGroup(
			huh.NewInput().
				Key("failureThreshold").
				Title("Failures Before Opening").
				Value(&m.failureThreshold).
				Validate(positiveInt),

			huh.NewInput().
				Key("cooldown").
				Title("Cooldown").
				Value(&m.cooldown).
				Placeholder("30s").
				Validate(positiveDuration),
		).Title("Circuit Breaker"),

		huh.NewGroup(
			huh.NewSelect[string]().
				Key("plannerProvider").
				Title("Planner Provider").
				Options(providers...).
				Value(&m.plannerProvider),

			huh.NewInput().
				Key("plannerModel").
				Title("Planner Model").
				Value(&m.plannerModel),

			huh.NewSelect[string]().
				Key("executorProvider").
				Title("Executor Provider").
				Options(providers...).
				Value(&m.executorProvider),

			huh.NewInput().
				Key("executorModel").
				Title("Executor Model").
				Value(&m.executorModel),

			huh.NewSelect[string]().
				Key("criticProvider").
				Title("Critic Provider").
				Options(providers...).
				Value(&m.criticProvider),

			huh.NewInput().
				Key("criticModel").
				Title("Critic Model").
				Value(&m.criticModel),
		).Title("Agents"),
	)
}

// Init initializes the settings pane.
func (m SettingsPaneModel) Init() tea.Cmd {
	return m.form.Init()
}

// Update handles messages for the settings pane.
func (m SettingsPaneModel) Update(msg tea.Msg) (SettingsPaneModel, tea.Cmd) {
	if !m.visible {
		return m, nil
	}

	if key, ok := msg.(tea.KeyMsg); ok && key.String() == KeyEsc {
		// Cancel without saving
		m.visible = false
		m.saved = false
		return m, nil
	}

	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}

	if m.form.State == huh.StateCompleted {
		m.err = m.save()
		m.saved = m.err == nil
		if m.saved {
			m.visible = false
		}
	}

	return m, cmd
}

// save applies the form to a copy of the config, validates it and writes
// it to the chosen file. The live config only changes on success.
func (m *SettingsPaneModel) save() error {
	next := m.applyForm()
	if err := next.Validate(); err != nil {
		return err
	}

	targetPath := m.globalPath
	if m.form.GetString("saveTarget") == "project" {
		targetPath = m.projectPath
	}
	if err := config.Save(next, targetPath); err != nil {
		return err
	}
	*m.config = *next
	return nil
}

// applyForm returns the config with the form values applied. Maps are
// copied so a failed save leaves the original untouched.
func (m *SettingsPaneModel) applyForm() *config.Config {
	next := *m.config
	next.Pools = make(map[string]config.PoolSection, len(m.config.Pools))
	for k, v := range m.config.Pools {
		next.Pools[k] = v
	}
	next.Agents = make(map[string]config.AgentConfig, len(m.config.Agents))
	for k, v := range m.config.Agents {
		next.Agents[k] = v
	}

	// Values are read back through the form: the model is copied between
	// updates, so the bound fields may belong to an older copy.
	get := m.form.GetString

	// Inputs are validated by the form
	next.Orchestrator.MaxConcurrentPipelines, _ = strconv.Atoi(get("maxPipelines"))
	next.Orchestrator.RevisionLimit, _ = strconv.Atoi(get("revisionLimit"))

	class := next.Orchestrator.Class
	p := next.Pools[class]
	p.MaxWorkers, _ = strconv.Atoi(get("maxWorkers"))
	next.Pools[class] = p

	next.Resilience.Breaker.FailureThreshold, _ = strconv.Atoi(get("failureThreshold"))
	if d, err := time.ParseDuration(get("cooldown")); err == nil {
		next.Resilience.Breaker.Cooldown = config.Duration(d)
	}

	for _, role := range config.Roles {
		next.Agents[role] = config.AgentConfig{
			Provider: get(role + "Provider"),
			Model:    get(role + "Model"),
		}
	}
	return &next
}

// View renders the settings pane.
func (m SettingsPaneModel) View() string {
	if !m.visible {
		return ""
	}

	var content string
	if m.err != nil {
		content = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true).
			Render(fmt.Sprintf("✗ Error saving: %v", m.err))
	} else {
		content = m.form.View()
	}

	style := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		Padding(1, 2).
		Width(m.width - 4).
		Height(m.height - 4)

	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("62")).
		Render("⚙ Settings (applied on next start)")

	return lipgloss.JoinVertical(lipgloss.Left, title, style.Render(content))
}

// SetSize updates the dimensions of the settings pane.
func (m *SettingsPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	if m.form != nil {
		m.form.WithWidth(w - 8).WithHeight(h - 8)
	}
}

// SetVisible shows or hides the settings pane.
func (m *SettingsPaneModel) SetVisible(v bool) {
	m.visible = v
	m.saved = false
	m.err = nil

	// Reset form state when showing
	if v {
		m.loadFields()
		m.buildForm()
		if m.width > 8 && m.height > 8 {
			m.form.WithWidth(m.width - 8).WithHeight(m.height - 8)
		}
	}
}

// IsVisible returns whether the settings pane is currently visible.
func (m SettingsPaneModel) IsVisible() bool {
	return m.visible
}

// Saved reports whether the last form submission was written.
func (m SettingsPaneModel) Saved() bool {
	return m.saved
}

package tui

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// RequestItem represents one completed request bridged through any tunnel on
// the observed server, tagged with the tunnel that carried it so a single
// dashboard can show traffic across every subdomain at once.
type RequestItem struct {
	ID         string
	TunnelID   string
	Subdomain  string
	Kind       string
	Method     string
	Path       string
	StatusCode int
	Duration   time.Duration
	Timestamp  time.Time
	ReqHeaders map[string]string
	ReqBody    []byte
	ResHeaders map[string]string
	ResBody    []byte
	Error      string
}

// ConnectionInfo holds the dashboard's connection to a server's admin API.
// Unlike a single tunnel client, the dashboard watches every tunnel a server
// hosts at once, so it carries no single tunnel's public URL or target.
type ConnectionInfo struct {
	ServerURL string
	Token     string
	Connected bool
}

// Model is the main TUI model
type Model struct {
	requests      []RequestItem
	selected      int
	keys          KeyMap
	width         int
	height        int
	viewport      viewport.Model
	viewportReady bool
	connection    ConnectionInfo
	ready         bool
	quitting      bool
	statusMsg     string
	statusTime    time.Time

	// Filter mode
	filterMode  bool
	filterInput string

	// Pause mode: new requests are buffered rather than appended until
	// resumed, so a busy multi-tunnel feed can be held still for inspection.
	paused      bool
	pausedQueue []RequestItem

	// Channels for communication
	requestCh chan RequestItem
	connCh    chan ConnectionInfo
}

// NewModel creates a new TUI model
func NewModel() Model {
	return Model{
		requests:  make([]RequestItem, 0),
		selected:  0,
		keys:      DefaultKeyMap,
		requestCh: make(chan RequestItem, 100),
		connCh:    make(chan ConnectionInfo, 1),
	}
}

// RequestChannel returns the channel for sending requests to the TUI
func (m *Model) RequestChannel() chan<- RequestItem {
	return m.requestCh
}

// ConnectionChannel returns the channel for sending connection info
func (m *Model) ConnectionChannel() chan<- ConnectionInfo {
	return m.connCh
}

// Messages
type requestMsg RequestItem
type connectionMsg ConnectionInfo
type tickMsg time.Time
type replayResultMsg struct {
	success   bool
	requestID string
	message   string
}

// Init implements tea.Model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.waitForRequest(),
		m.waitForConnection(),
		m.tick(),
	)
}

func (m Model) waitForRequest() tea.Cmd {
	return func() tea.Msg {
		return requestMsg(<-m.requestCh)
	}
}

func (m Model) waitForConnection() tea.Cmd {
	return func() tea.Msg {
		return connectionMsg(<-m.connCh)
	}
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) replayRequest(requestID string) tea.Cmd {
	return func() tea.Msg {
		if m.connection.ServerURL == "" {
			return replayResultMsg{success: false, requestID: requestID, message: "Not connected"}
		}

		url := fmt.Sprintf("%s/admin/replay?request_id=%s", m.connection.ServerURL, requestID)

		req, err := http.NewRequest("POST", url, nil)
		if err != nil {
			return replayResultMsg{success: false, requestID: requestID, message: err.Error()}
		}
		if m.connection.Token != "" {
			req.Header.Set("Authorization", "Bearer "+m.connection.Token)
		}

		httpClient := &http.Client{Timeout: 10 * time.Second}
		resp, err := httpClient.Do(req)
		if err != nil {
			return replayResultMsg{success: false, requestID: requestID, message: err.Error()}
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return replayResultMsg{success: false, requestID: requestID, message: fmt.Sprintf("Server returned %d", resp.StatusCode)}
		}

		return replayResultMsg{success: true, requestID: requestID, message: "Replayed"}
	}
}

// filteredRequests returns requests matching the current filter
func (m Model) filteredRequests() []RequestItem {
	if m.filterInput == "" {
		return m.requests
	}
	filter := strings.ToLower(m.filterInput)
	var filtered []RequestItem
	for _, req := range m.requests {
		if strings.Contains(strings.ToLower(req.Path), filter) ||
			strings.Contains(strings.ToLower(req.Method), filter) ||
			strings.Contains(strings.ToLower(req.Subdomain), filter) ||
			strings.Contains(req.ID, filter) {
			filtered = append(filtered, req)
		}
	}
	return filtered
}

// activeTunnels returns the distinct, non-empty subdomains seen in the
// currently held requests, for the header's tunnel count.
func (m Model) activeTunnels() []string {
	seen := make(map[string]bool)
	var tunnels []string
	for _, req := range m.requests {
		if req.Subdomain == "" || seen[req.Subdomain] {
			continue
		}
		seen[req.Subdomain] = true
		tunnels = append(tunnels, req.Subdomain)
	}
	return tunnels
}

// Update implements tea.Model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		// Handle filter mode input
		if m.filterMode {
			switch msg.Type {
			case tea.KeyEsc:
				m.filterMode = false
				m.filterInput = ""
				m.selected = 0
			case tea.KeyEnter:
				m.filterMode = false
			case tea.KeyBackspace:
				if len(m.filterInput) > 0 {
					m.filterInput = m.filterInput[:len(m.filterInput)-1]
					m.selected = 0
				}
			default:
				if msg.Type == tea.KeyRunes {
					m.filterInput += string(msg.Runes)
					m.selected = 0
				}
			}
			return m, tea.Batch(cmds...)
		}

		switch {
		case key.Matches(msg, m.keys.Quit):
			m.quitting = true
			return m, tea.Quit

		case key.Matches(msg, m.keys.Up):
			if m.selected > 0 {
				m.selected--
			}

		case key.Matches(msg, m.keys.Down):
			filtered := m.filteredRequests()
			if m.selected < len(filtered)-1 {
				m.selected++
			}

		case key.Matches(msg, m.keys.Filter):
			m.filterMode = true

		case key.Matches(msg, m.keys.Clear):
			m.filterInput = ""
			m.selected = 0

		case key.Matches(msg, m.keys.Pause):
			m.paused = !m.paused
			if !m.paused && len(m.pausedQueue) > 0 {
				m.requests = append(m.pausedQueue, m.requests...)
				if len(m.requests) > 100 {
					m.requests = m.requests[:100]
				}
				m.pausedQueue = nil
			}

		case key.Matches(msg, m.keys.Replay):
			filtered := m.filteredRequests()
			if len(filtered) > 0 && m.selected < len(filtered) {
				req := filtered[m.selected]
				m.statusMsg = fmt.Sprintf("Replaying %s...", req.ID)
				m.statusTime = time.Now()
				cmds = append(cmds, m.replayRequest(req.ID))
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true

		// Update viewport size
		headerHeight := 6
		listHeight := min(10, m.height/3)
		detailHeight := m.height - headerHeight - listHeight - 4

		if !m.viewportReady {
			m.viewport = viewport.New(m.width-4, detailHeight)
			m.viewport.YPosition = 0
			m.viewportReady = true
		} else {
			m.viewport.Width = m.width - 4
			m.viewport.Height = detailHeight
		}

	case requestMsg:
		if m.paused {
			// Hold the feed still; remember the item so Pause can flush it
			// back in on resume instead of dropping it silently.
			m.pausedQueue = append([]RequestItem{RequestItem(msg)}, m.pausedQueue...)
		} else {
			// Prepend new request (newest first)
			m.requests = append([]RequestItem{RequestItem(msg)}, m.requests...)
			// Keep max 100 requests
			if len(m.requests) > 100 {
				m.requests = m.requests[:100]
			}
		}
		cmds = append(cmds, m.waitForRequest())

	case connectionMsg:
		m.connection = ConnectionInfo(msg)
		cmds = append(cmds, m.waitForConnection())

	case tickMsg:
		// Refresh for relative timestamps
		cmds = append(cmds, m.tick())
		// Clear status message after 3 seconds
		if m.statusMsg != "" && time.Since(m.statusTime) > 3*time.Second {
			m.statusMsg = ""
		}

	case replayResultMsg:
		if msg.success {
			m.statusMsg = SuccessStyle.Render("✓ ") + msg.message
		} else {
			m.statusMsg = ErrorStyle.Render("✗ ") + msg.message
		}
		m.statusTime = time.Now()
	}

	// Update viewport content
	filtered := m.filteredRequests()
	if len(filtered) > 0 && m.selected < len(filtered) {
		m.viewport.SetContent(m.renderDetail(filtered[m.selected]))
	}

	return m, tea.Batch(cmds...)
}

// View implements tea.Model
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	if !m.ready {
		return "\n  Initializing..."
	}

	var b strings.Builder

	// Header
	b.WriteString(m.renderHeader())
	b.WriteString("\n")

	// Request list
	b.WriteString(m.renderList())
	b.WriteString("\n")

	// Detail view
	b.WriteString(m.renderDetailBox())
	b.WriteString("\n")

	// Help
	b.WriteString(m.renderHelp())

	return b.String()
}

func (m Model) renderHeader() string {
	title := IconStyle.Render("🎯") + " " + TitleStyle.Render("sellia")

	var status string
	if m.connection.Connected {
		status = SuccessStyle.Render("●") + " " + DimStyle.Render("connected")
	} else {
		status = ErrorStyle.Render("●") + " " + DimStyle.Render("disconnected")
	}

	tunnels := m.activeTunnels()
	tunnelInfo := ""
	if len(tunnels) > 0 {
		tunnelInfo = DimStyle.Render("tunnels: ") + lipgloss.NewStyle().Foreground(Lavender).Render(fmt.Sprintf("%d", len(tunnels)))
	}

	// First line: title and tunnel count
	titleLine := lipgloss.JoinHorizontal(
		lipgloss.Left,
		title,
		strings.Repeat(" ", max(0, m.width-lipgloss.Width(title)-lipgloss.Width(tunnelInfo)-lipgloss.Width(status)-8)),
		tunnelInfo,
		"  ",
		status,
	)

	// Connection info
	serverLine := ""
	if m.connection.ServerURL != "" {
		serverLine = DimStyle.Render("  Server: ") + URLStyle.Render(m.connection.ServerURL)
	}

	pausedLine := ""
	if m.paused {
		pausedLine = DimStyle.Render("  ") + lipgloss.NewStyle().Foreground(Yellow).Render(fmt.Sprintf("paused (%d buffered)", len(m.pausedQueue)))
	}

	content := titleLine
	if serverLine != "" {
		content += "\n" + serverLine
	}
	if pausedLine != "" {
		content += "\n" + pausedLine
	}

	return HeaderBoxStyle.Width(m.width - 2).Render(content)
}

func (m Model) renderList() string {
	header := SectionStyle.Render("REQUESTS")

	// Show filter or replay hint
	var rightSide string
	if m.filterMode {
		rightSide = DimStyle.Render("filter: ") + lipgloss.NewStyle().Foreground(Sky).Render(m.filterInput) + lipgloss.NewStyle().Foreground(Sky).Blink(true).Render("▎")
	} else if m.filterInput != "" {
		rightSide = DimStyle.Render("filter: ") + lipgloss.NewStyle().Foreground(Sky).Render(m.filterInput) + "  " + DimStyle.Render("[esc]clear")
	} else {
		rightSide = DimStyle.Render("[r]eplay [/]filter [p]ause")
	}
	headerLine := header + strings.Repeat(" ", max(0, m.width-lipgloss.Width(header)-lipgloss.Width(rightSide)-6)) + rightSide

	var rows []string
	rows = append(rows, headerLine)
	rows = append(rows, DimStyle.Render(strings.Repeat("─", m.width-6)))

	filtered := m.filteredRequests()
	if len(m.requests) == 0 {
		rows = append(rows, DimStyle.Render("  Waiting for requests..."))
	} else if len(filtered) == 0 {
		rows = append(rows, DimStyle.Render("  No matching requests"))
	} else {
		// Show up to 8 requests
		maxRows := min(8, len(filtered))
		for i := 0; i < maxRows; i++ {
			rows = append(rows, m.renderRequestRow(i, filtered[i]))
		}
		if len(filtered) > maxRows {
			rows = append(rows, DimStyle.Render(fmt.Sprintf("  ... and %d more", len(filtered)-maxRows)))
		}
	}

	content := strings.Join(rows, "\n")
	return ListBoxStyle.Width(m.width - 2).Render(content)
}

func (m Model) renderRequestRow(index int, req RequestItem) string {
	// Selection indicator
	indicator := "  "
	if index == m.selected {
		indicator = IconStyle.Render("▸ ")
	}

	// Tunnel subdomain badge
	subdomain := KindStyle(req.Kind).Width(12).Render(truncateLabel(req.Subdomain, 12))

	// Method
	method := MethodStyle(req.Method).Width(7).Render(req.Method)

	// Path (truncate if needed)
	maxPathLen := m.width - 62
	path := req.Path
	if len(path) > maxPathLen {
		path = path[:maxPathLen-3] + "..."
	}

	// Status
	var status string
	if req.StatusCode > 0 {
		status = StatusStyle(req.StatusCode).Width(4).Render(fmt.Sprintf("%d", req.StatusCode))
	} else if req.Error != "" {
		status = ErrorStyle.Width(4).Render("ERR")
	} else {
		status = DimStyle.Width(4).Render("...")
	}

	// Duration
	duration := DimStyle.Width(6).Render(formatDuration(req.Duration))

	// Relative time
	relTime := DimStyle.Width(10).Render(relativeTime(req.Timestamp))

	// ID
	id := DimStyle.Render(req.ID)

	row := fmt.Sprintf("%s%s %s %s %s %s %s %s",
		indicator, subdomain, method, path,
		strings.Repeat(" ", max(0, maxPathLen-len(req.Path))),
		status, duration, relTime+" "+id)

	if index == m.selected {
		return SelectedStyle.Width(m.width - 6).Render(row)
	}
	return row
}

func (m Model) renderDetail(req RequestItem) string {
	var b strings.Builder

	// Request line
	if req.Subdomain != "" {
		b.WriteString(KindStyle(req.Kind).Render(req.Subdomain))
		b.WriteString("  ")
	}
	b.WriteString(MethodStyle(req.Method).Render(req.Method))
	b.WriteString(" ")
	b.WriteString(lipgloss.NewStyle().Foreground(Text).Render(req.Path))
	b.WriteString("\n")

	// Request headers
	if len(req.ReqHeaders) > 0 {
		b.WriteString(DimStyle.Render(strings.Repeat("─", 40)))
		b.WriteString("\n")
		for k, v := range req.ReqHeaders {
			if k == "Content-Type" || k == "User-Agent" || k == "X-Request-Id" {
				b.WriteString(DimStyle.Render(k+": "))
				b.WriteString(lipgloss.NewStyle().Foreground(Subtext0).Render(v))
				b.WriteString("\n")
			}
		}
	}

	// Request body
	if len(req.ReqBody) > 0 {
		b.WriteString(DimStyle.Render(strings.Repeat("─", 40)))
		b.WriteString("\n")
		body := truncateBody(req.ReqBody, 500)
		b.WriteString(lipgloss.NewStyle().Foreground(Text).Render(body))
		b.WriteString("\n")
	}

	// Response
	b.WriteString(DimStyle.Render(strings.Repeat("─", 40)))
	b.WriteString("\n")

	if req.Error != "" {
		b.WriteString(ErrorStyle.Render("Error: " + req.Error))
	} else if req.StatusCode > 0 {
		b.WriteString(DimStyle.Render("Response: "))
		b.WriteString(StatusStyle(req.StatusCode).Render(fmt.Sprintf("%d", req.StatusCode)))
		b.WriteString(DimStyle.Render(fmt.Sprintf(" (%s)", formatDuration(req.Duration))))
		b.WriteString("\n")

		if len(req.ResBody) > 0 {
			body := truncateBody(req.ResBody, 500)
			b.WriteString(lipgloss.NewStyle().Foreground(Subtext0).Render(body))
		}
	} else {
		b.WriteString(DimStyle.Render("Pending..."))
	}

	return b.String()
}

func (m Model) renderDetailBox() string {
	header := SectionStyle.Render("REQUEST DETAIL")
	headerLine := header

	filtered := m.filteredRequests()
	var content string
	if len(filtered) > 0 && m.selected < len(filtered) {
		content = headerLine + "\n" + DimStyle.Render(strings.Repeat("─", m.width-6)) + "\n" + m.viewport.View()
	} else {
		content = headerLine + "\n" + DimStyle.Render(strings.Repeat("─", m.width-6)) + "\n" + DimStyle.Render("  Select a request to view details")
	}

	return DetailBoxStyle.Width(m.width - 2).Render(content)
}

func (m Model) renderHelp() string {
	if m.statusMsg != "" {
		return "  " + m.statusMsg
	}
	if m.filterMode {
		return "  " + DimStyle.Render("Type to filter by path, method, or tunnel subdomain • Enter to confirm • Esc to cancel")
	}
	pauseHint := "p pause"
	if m.paused {
		pauseHint = "p resume"
	}
	help := "  " + DimStyle.Render(fmt.Sprintf("↑↓ navigate  r replay  / filter  %s  q quit", pauseHint))
	return help
}

// truncateLabel shortens s to at most n runes, marking truncation with an
// ellipsis so fixed-width badge columns never wrap.
func truncateLabel(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}

// Helper functions

func formatDuration(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func relativeTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	if d < time.Second {
		return "just now"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh ago", int(d.Hours()))
}

func truncateBody(body []byte, maxLen int) string {
	s := string(body)
	// Replace newlines for compact display
	s = strings.ReplaceAll(s, "\n", "\\n")
	s = strings.ReplaceAll(s, "\r", "")
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

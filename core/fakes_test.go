package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/codeyard/schema"
)

// memStore is an in-memory WorkspaceStore.
type memStore struct {
	mu         sync.Mutex
	nodes      map[schema.NodeID]*schema.WorkspaceNode
	order      []schema.NodeID
	next       int
	updateErr  error
	loadErr    error
	updateGate chan struct{}
	updates    []string
}

func newMemStore() *memStore {
	return &memStore{nodes: make(map[schema.NodeID]*schema.WorkspaceNode)}
}

func (s *memStore) add(t *testing.T, parent schema.NodeID, name string, kind schema.NodeKind, content string) schema.NodeID {
	t.Helper()
	node, err := s.Create(context.Background(), "ws", schema.CreateNodeRequest{ParentID: parent, Name: name, Kind: kind, Content: content})
	if err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	return node.ID
}

func (s *memStore) pathLocked(id schema.NodeID) string {
	node := s.nodes[id]
	if node == nil {
		return ""
	}
	if node.ParentID == "" {
		return "/" + node.Name
	}
	return path.Join(s.pathLocked(node.ParentID), node.Name)
}

func (s *memStore) LoadTree(_ context.Context, _ schema.WorkspaceID) ([]*schema.WorkspaceNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	built := make(map[schema.NodeID]*schema.WorkspaceNode)
	var roots []*schema.WorkspaceNode
	for _, id := range s.order {
		src := s.nodes[id]
		node := *src
		node.Path = s.pathLocked(id)
		node.Children = nil
		built[id] = &node
	}
	for _, id := range s.order {
		node := built[id]
		if node.ParentID == "" {
			roots = append(roots, node)
			continue
		}
		parent := built[node.ParentID]
		parent.Children = append(parent.Children, node)
	}
	return roots, nil
}

func (s *memStore) LoadContent(_ context.Context, _ schema.WorkspaceID, id schema.NodeID) (schema.WorkspaceNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	node := s.nodes[id]
	if node == nil {
		return schema.WorkspaceNode{}, schema.ErrNodeNotFound
	}
	out := *node
	out.Path = s.pathLocked(id)
	return out, nil
}

func (s *memStore) UpdateContent(ctx context.Context, _ schema.WorkspaceID, id schema.NodeID, text string) error {
	s.mu.Lock()
	gate := s.updateGate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, text)
	if s.updateErr != nil {
		return s.updateErr
	}
	node := s.nodes[id]
	if node == nil {
		return schema.ErrNodeNotFound
	}
	node.Content = text
	return nil
}

func (s *memStore) Create(_ context.Context, _ schema.WorkspaceID, req schema.CreateNodeRequest) (schema.WorkspaceNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	id := schema.NodeID(fmt.Sprintf("n%d", s.next))
	node := &schema.WorkspaceNode{ID: id, ParentID: req.ParentID, Name: req.Name, Kind: req.Kind, Content: req.Content, Language: req.Language}
	s.nodes[id] = node
	s.order = append(s.order, id)
	out := *node
	out.Path = s.pathLocked(id)
	return out, nil
}

func (s *memStore) Rename(_ context.Context, _ schema.WorkspaceID, req schema.RenameNodeRequest) (schema.WorkspaceNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	node := s.nodes[req.ID]
	if node == nil {
		return schema.WorkspaceNode{}, schema.ErrNodeNotFound
	}
	node.Name = req.Name
	out := *node
	out.Path = s.pathLocked(req.ID)
	return out, nil
}

func (s *memStore) Delete(_ context.Context, _ schema.WorkspaceID, id schema.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nodes[id] == nil {
		return schema.ErrNodeNotFound
	}
	delete(s.nodes, id)
	kept := s.order[:0]
	for _, other := range s.order {
		if other != id {
			kept = append(kept, other)
		}
	}
	s.order = kept
	return nil
}

func (s *memStore) Move(_ context.Context, _ schema.WorkspaceID, req schema.MoveNodeRequest) (schema.WorkspaceNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	node := s.nodes[req.ID]
	if node == nil {
		return schema.WorkspaceNode{}, schema.ErrNodeNotFound
	}
	node.ParentID = req.ParentID
	out := *node
	out.Path = s.pathLocked(req.ID)
	return out, nil
}

func (s *memStore) Search(_ context.Context, _ schema.WorkspaceID, req schema.SearchRequest) ([]schema.SearchHit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var hits []schema.SearchHit
	for _, id := range s.order {
		node := s.nodes[id]
		if strings.Contains(node.Name, req.Query) || strings.Contains(node.Content, req.Query) {
			hits = append(hits, schema.SearchHit{ID: id, Path: s.pathLocked(id), Kind: node.Kind})
		}
	}
	return hits, nil
}

func (s *memStore) setUpdateErr(err error) {
	s.mu.Lock()
	s.updateErr = err
	s.mu.Unlock()
}

func (s *memStore) setLoadErr(err error) {
	s.mu.Lock()
	s.loadErr = err
	s.mu.Unlock()
}

func (s *memStore) updateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.updates)
}

// fakeFS is the remote filesystem the fake shell operates on.
type fakeFS struct {
	mu      sync.Mutex
	dirs    map[string]bool
	files   map[string]string
	removed []string // rm -rf targets
}

func newFakeFS() *fakeFS {
	return &fakeFS{dirs: map[string]bool{".": true, "/": true}, files: make(map[string]string)}
}

func (fs *fakeFS) file(p string) (string, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	content, ok := fs.files[p]
	return content, ok
}

func (fs *fakeFS) snapshot() (dirs []string, files []string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for d := range fs.dirs {
		if d != "." && d != "/" {
			dirs = append(dirs, d)
		}
	}
	for f := range fs.files {
		files = append(files, f)
	}
	sort.Strings(dirs)
	sort.Strings(files)
	return dirs, files
}

// exec interprets the small command grammar the orchestrator emits.
// A negative exit code means the command never finishes.
func (fs *fakeFS) exec(cmd string) (string, int) {
	words, err := shellWords(cmd)
	if err != nil || len(words) == 0 {
		return "sh: syntax error\n", 2
	}
	// A path operand starting with a dash reads as an option, as in a real shell.
	switch words[0] {
	case "mkdir", "rm", "cat", "python3":
		if operand := words[len(words)-1]; len(words) > 1 && strings.HasPrefix(operand, "-") {
			return words[0] + ": invalid option " + operand + "\n", 1
		}
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	switch words[0] {
	case "true":
		return "", 0
	case "hang":
		return "", -1
	case "mkdir":
		if len(words) != 3 || words[1] != "-p" {
			return "mkdir: usage\n", 1
		}
		for d := words[2]; d != "." && d != "/"; d = path.Dir(d) {
			if _, isFile := fs.files[path.Clean(d)]; isFile {
				return "mkdir: File exists\n", 1
			}
			fs.dirs[path.Clean(d)] = true
		}
		return "", 0
	case "rm":
		if len(words) != 3 || (words[1] != "-f" && words[1] != "-rf") {
			return "rm: usage\n", 1
		}
		target := path.Clean(words[2])
		delete(fs.files, target)
		if words[1] == "-rf" {
			delete(fs.dirs, target)
			for p := range fs.files {
				if strings.HasPrefix(p, target+"/") {
					delete(fs.files, p)
				}
			}
			for d := range fs.dirs {
				if strings.HasPrefix(d, target+"/") {
					delete(fs.dirs, d)
				}
			}
			fs.removed = append(fs.removed, target)
		}
		return "", 0
	case ":":
		if len(words) != 3 || words[1] != ">" {
			return "sh: bad redirect\n", 2
		}
		return fs.writeLocked(words[2], "", false)
	case "printf":
		if len(words) != 5 {
			return "printf: usage\n", 1
		}
		text := words[2]
		switch words[1] {
		case `%s\n`:
			text += "\n"
		case `%s`:
		default:
			return "printf: unexpected format\n", 1
		}
		switch words[3] {
		case ">":
			return fs.writeLocked(words[4], text, false)
		case ">>":
			return fs.writeLocked(words[4], text, true)
		}
		return "sh: bad redirect\n", 2
	case "cat":
		content, ok := fs.files[path.Clean(words[1])]
		if !ok {
			return "cat: No such file or directory\n", 1
		}
		return content, 0
	case "python3":
		if len(words) != 2 {
			return "python3: usage\n", 2
		}
		content, ok := fs.files[path.Clean(words[1])]
		if !ok {
			return "python3: can't open file\n", 2
		}
		return fakePython(content)
	}
	return "sh: " + words[0] + ": not found\n", 127
}

func (fs *fakeFS) writeLocked(p, text string, appendMode bool) (string, int) {
	p = path.Clean(p)
	if !fs.dirs[path.Dir(p)] {
		return "sh: cannot create " + p + ": Directory nonexistent\n", 2
	}
	if appendMode {
		fs.files[p] += text
	} else {
		fs.files[p] = text
	}
	return "", 0
}

// fakePython understands print('literal') and raise SystemExit(n).
func fakePython(src string) (string, int) {
	var out strings.Builder
	for _, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "print('") && strings.HasSuffix(line, "')"):
			out.WriteString(strings.TrimSuffix(strings.TrimPrefix(line, "print('"), "')"))
			out.WriteString("\n")
		case strings.HasPrefix(line, "raise SystemExit(") && strings.HasSuffix(line, ")"):
			var code int
			_, _ = fmt.Sscanf(strings.TrimPrefix(line, "raise SystemExit("), "%d", &code)
			return out.String(), code
		}
	}
	return out.String(), 0
}

// shellWords splits a POSIX command line with single quotes and backslash escapes.
func shellWords(line string) ([]string, error) {
	var words []string
	var cur strings.Builder
	inWord := false
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == ' ':
			if inWord {
				words = append(words, cur.String())
				cur.Reset()
				inWord = false
			}
		case c == '\'':
			end := strings.IndexByte(line[i+1:], '\'')
			if end < 0 {
				return nil, errors.New("unterminated quote")
			}
			cur.WriteString(line[i+1 : i+1+end])
			i += end + 1
			inWord = true
		case c == '\\':
			if i+1 >= len(line) {
				return nil, errors.New("trailing backslash")
			}
			cur.WriteByte(line[i+1])
			i++
			inWord = true
		default:
			cur.WriteByte(c)
			inWord = true
		}
	}
	if inWord {
		words = append(words, cur.String())
	}
	return words, nil
}

// fakeChannel answers framed commands against a fakeFS.
type fakeChannel struct {
	id       schema.SessionID
	out      io.Writer
	fs       *fakeFS
	terminal bool
	maxLine  int

	mu       sync.Mutex
	sent     []string
	gate     chan struct{}
	sendErr  error
	silent   bool
	closed   bool
	done     chan struct{}
	err      error
	doneOnce sync.Once
}

func (c *fakeChannel) SessionID() schema.SessionID { return c.id }

func (c *fakeChannel) Info() ChannelInfo {
	return ChannelInfo{Terminal: c.terminal, MaxLineBytes: c.maxLine}
}

func (c *fakeChannel) Send(_ context.Context, line string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("channel closed")
	}
	if c.sendErr != nil {
		err := c.sendErr
		c.mu.Unlock()
		return err
	}
	c.sent = append(c.sent, line)
	gate := c.gate
	silent := c.silent
	c.mu.Unlock()
	if silent {
		return nil
	}
	go c.respond(line, gate)
	return nil
}

func (c *fakeChannel) respond(line string, gate chan struct{}) {
	if gate != nil {
		select {
		case <-gate:
		case <-c.done:
			return
		}
	}
	eol := "\n"
	if c.terminal {
		eol = "\r\n"
		c.write(line + eol)
	}
	begin, cmd, end, framed := splitFramed(line)
	if !framed {
		out, _ := c.fs.exec(line)
		c.write(strings.ReplaceAll(out, "\n", eol))
		return
	}
	out, code := c.fs.exec(cmd)
	if code < 0 {
		c.write(begin + eol)
		return
	}
	c.write(begin + eol + strings.ReplaceAll(out, "\n", eol) + fmt.Sprintf("%s:%d", end, code) + eol)
}

func (c *fakeChannel) write(s string) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed || s == "" {
		return
	}
	_, _ = c.out.Write([]byte(s))
}

func (c *fakeChannel) Done() <-chan struct{} { return c.done }

func (c *fakeChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeChannel) Close(context.Context) error {
	c.terminate(nil)
	return nil
}

// terminate ends the channel as the remote side would.
func (c *fakeChannel) terminate(err error) {
	c.mu.Lock()
	c.closed = true
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *fakeChannel) sentLines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func (c *fakeChannel) setGate(gate chan struct{}) {
	c.mu.Lock()
	c.gate = gate
	c.mu.Unlock()
}

func (c *fakeChannel) setSendErr(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

func splitFramed(line string) (begin, cmd, end string, ok bool) {
	if !strings.HasPrefix(line, "echo "+beginPrefix) || !strings.HasSuffix(line, ":$?") {
		return "", "", "", false
	}
	head := strings.Index(line, "; ")
	tail := strings.LastIndex(line, "; echo ")
	if head < 0 || tail < head {
		return "", "", "", false
	}
	begin = strings.TrimPrefix(line[:head], "echo ")
	cmd = line[head+2 : tail]
	end = strings.TrimSuffix(line[tail+len("; echo "):], ":$?")
	return begin, cmd, end, true
}

// fakeProvider hands out fakeChannels over a shared fakeFS.
type fakeProvider struct {
	mu        sync.Mutex
	fs        *fakeFS
	terminal  bool
	maxLine   int
	createErr error
	block     bool
	silent    bool
	channels  []*fakeChannel
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{fs: newFakeFS()}
}

func (p *fakeProvider) Create(ctx context.Context, req ChannelRequest) (Channel, error) {
	p.mu.Lock()
	createErr := p.createErr
	block := p.block
	p.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if createErr != nil {
		return nil, createErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := &fakeChannel{
		id:       schema.SessionID(fmt.Sprintf("s%d", len(p.channels)+1)),
		out:      req.Output,
		fs:       p.fs,
		terminal: p.terminal,
		maxLine:  p.maxLine,
		silent:   p.silent,
		done:     make(chan struct{}),
	}
	p.channels = append(p.channels, ch)
	return ch, nil
}

func (p *fakeProvider) last() *fakeChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.channels) == 0 {
		return nil
	}
	return p.channels[len(p.channels)-1]
}

// eventRecorder collects emitted events.
type eventRecorder struct {
	mu     sync.Mutex
	events []schema.Event
}

func (r *eventRecorder) OnEvent(event schema.Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *eventRecorder) ofType(typ schema.EventType) []schema.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []schema.Event
	for _, event := range r.events {
		if event.Type == typ {
			out = append(out, event)
		}
	}
	return out
}

func testConfig() schema.WorkspaceConfig {
	cfg, err := schema.NormalizeWorkspaceConfig(schema.WorkspaceConfig{
		StateDir:             "unused",
		AutosaveDelay:        20 * time.Millisecond,
		SaveTimeout:          2 * time.Second,
		SessionCreateTimeout: 2 * time.Second,
		StepTimeout:          2 * time.Second,
		RunTimeout:           2 * time.Second,
	})
	if err != nil {
		panic(err)
	}
	return cfg
}

func newTestWorkspace(t *testing.T, cfg schema.WorkspaceConfig, store *memStore, provider *fakeProvider) (*Workspace, *eventRecorder) {
	t.Helper()
	rec := &eventRecorder{}
	svc, err := NewService(cfg, ServiceDeps{Store: store, Channels: provider, EventSink: rec})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ws, err := svc.Workspace(context.Background(), "ws")
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	t.Cleanup(func() { ws.Close(context.Background()) })
	return ws, rec
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func requireKind(t *testing.T, err error, kind ErrorKind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	if got := KindOf(err); got != kind {
		t.Fatalf("expected %s error, got %s (%v)", kind, got, err)
	}
}

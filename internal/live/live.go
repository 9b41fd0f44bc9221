// Package live streams scene changes of one project to a connected client. It polls
// the project and diffs each scene's observable state against what it last sent, so
// a change is seen within one to two poll intervals.
package live

import (
	"context"
	"time"

	"github.com/bobarin/storyforge/internal/apperr"
	"github.com/bobarin/storyforge/internal/metrics"
	"github.com/bobarin/storyforge/internal/models"
	"github.com/rs/zerolog"
)

type EventType string

const (
	EventSceneUpdate    EventType = "scene_update"
	EventSceneRemoved   EventType = "scene_removed"
	EventHeartbeat      EventType = "heartbeat"
	EventError          EventType = "error"
	EventProjectDeleted EventType = "project_deleted"
)

// SceneState is the observable tuple of a scene. Two polls yielding equal tuples
// produce no event.
type SceneState struct {
	SceneID         string            `json:"scene_id"`
	SceneNumber     int               `json:"scene_number"`
	State           models.SceneState `json:"state"`
	JobID           string            `json:"job_id,omitempty"`
	JobType         models.JobType    `json:"job_type,omitempty"`
	JobStatus       models.JobStatus  `json:"job_status,omitempty"`
	Progress        int               `json:"progress"`
	VideoPath       string            `json:"video_path,omitempty"`
	CompositionPath string            `json:"composition_path,omitempty"`
	AudioPath       string            `json:"audio_path,omitempty"`
	ThumbnailPath   string            `json:"thumbnail_path,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`
}

func stateOf(s *models.Scene) SceneState {
	st := SceneState{
		SceneID:         s.ID,
		SceneNumber:     s.SceneNumber,
		State:           s.State(),
		VideoPath:       s.Assets.VideoPath,
		CompositionPath: s.Assets.CompositionPath,
		AudioPath:       s.Assets.AudioPath,
		ThumbnailPath:   s.Assets.ThumbnailPath,
	}
	if aj := s.ActiveJob; aj != nil {
		st.JobID = aj.JobID
		st.JobType = aj.Type
		st.JobStatus = aj.Status
		st.Progress = aj.Progress
		st.ErrorMessage = aj.ErrorMessage
	}
	return st
}

type Event struct {
	Type    EventType   `json:"type"`
	SceneID string      `json:"scene_id,omitempty"`
	Scene   *SceneState `json:"scene,omitempty"`
	Message string      `json:"message,omitempty"`
	At      time.Time   `json:"at"`
}

// ProjectReader loads a project on behalf of its owner.
type ProjectReader interface {
	GetUserProject(ctx context.Context, id, userID string) (*models.Project, error)
}

type Options struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	MaxBackoff        time.Duration
}

type Channel struct {
	projects ProjectReader
	log      zerolog.Logger
	metrics  *metrics.Collector
	opts     Options
}

func New(projects ProjectReader, log zerolog.Logger, m *metrics.Collector, opts Options) *Channel {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 15 * time.Second
	}
	if opts.MaxBackoff < opts.PollInterval {
		opts.MaxBackoff = 15 * opts.PollInterval
	}
	return &Channel{
		projects: projects,
		log:      log.With().Str("component", "live").Logger(),
		metrics:  m,
		opts:     opts,
	}
}

// Subscribe reads the project once, returning NotFound or Forbidden directly, then
// streams events until ctx is done or the project is deleted. The channel is closed
// when the stream ends.
func (c *Channel) Subscribe(ctx context.Context, projectID, userID string) (<-chan Event, error) {
	project, err := c.projects.GetUserProject(ctx, projectID, userID)
	if err != nil {
		return nil, err
	}

	events := make(chan Event, 16)
	s := &subscription{
		Channel:   c,
		projectID: projectID,
		userID:    userID,
		events:    events,
		last:      make(map[string]SceneState),
		log:       c.log.With().Str("project_id", projectID).Logger(),
	}
	c.metrics.SubscriberConnected()
	go s.run(ctx, project)
	return events, nil
}

type subscription struct {
	*Channel
	projectID string
	userID    string
	events    chan Event
	last      map[string]SceneState
	order     []string
	log       zerolog.Logger
}

func (s *subscription) run(ctx context.Context, initial *models.Project) {
	defer close(s.events)
	defer s.metrics.SubscriberDisconnected()

	if !s.diff(ctx, initial) {
		return
	}

	delay := s.opts.PollInterval
	poll := time.NewTimer(delay)
	defer poll.Stop()
	heartbeat := time.NewTicker(s.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-heartbeat.C:
			if !s.send(ctx, Event{Type: EventHeartbeat}) {
				return
			}

		case <-poll.C:
			project, err := s.projects.GetUserProject(ctx, s.projectID, s.userID)
			switch {
			case err == nil:
				delay = s.opts.PollInterval
				if !s.diff(ctx, project) {
					return
				}
			case apperr.Is(err, apperr.NotFound), apperr.Is(err, apperr.Forbidden):
				s.send(ctx, Event{Type: EventProjectDeleted})
				return
			case ctx.Err() != nil:
				return
			default:
				delay *= 2
				if delay > s.opts.MaxBackoff {
					delay = s.opts.MaxBackoff
				}
				s.log.Warn().Err(err).Dur("retry_in", delay).Msg("project read failed")
				if !s.send(ctx, Event{Type: EventError, Message: "temporarily unable to read project; retrying"}) {
					return
				}
			}
			poll.Reset(delay)
		}
	}
}

// diff emits an event for every scene whose tuple changed since the last poll, in
// scene order, then one per scene that disappeared. It reports false when the client
// went away.
func (s *subscription) diff(ctx context.Context, project *models.Project) bool {
	seen := make(map[string]bool, len(project.Scenes))
	order := make([]string, 0, len(project.Scenes))

	for i := range project.Scenes {
		st := stateOf(&project.Scenes[i])
		seen[st.SceneID] = true
		order = append(order, st.SceneID)

		if prev, ok := s.last[st.SceneID]; ok && prev == st {
			continue
		}
		s.last[st.SceneID] = st
		if !s.send(ctx, Event{Type: EventSceneUpdate, SceneID: st.SceneID, Scene: &st}) {
			return false
		}
	}

	for _, id := range s.order {
		if seen[id] {
			continue
		}
		delete(s.last, id)
		if !s.send(ctx, Event{Type: EventSceneRemoved, SceneID: id}) {
			return false
		}
	}
	s.order = order
	return true
}

func (s *subscription) send(ctx context.Context, ev Event) bool {
	ev.At = time.Now().UTC()
	select {
	case s.events <- ev:
		s.metrics.RecordLiveEvent(string(ev.Type))
		return true
	case <-ctx.Done():
		return false
	}
}

package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vilaca/gitlabfleet/internal/apperr"
	"github.com/vilaca/gitlabfleet/internal/domain"
)

type jobItemWire struct {
	SourceRef  string `json:"sourceRef"`
	Action     string `json:"action"`
	UpstreamID string `json:"upstreamId,omitempty"`
	ErrorKind  string `json:"errorKind,omitempty"`
	ErrorMsg   string `json:"errorMsg,omitempty"`
}

type jobWire struct {
	ID        string        `json:"id"`
	Kind      string        `json:"kind"`
	State     string        `json:"state"`
	Total     int           `json:"total"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
	Items     []jobItemWire `json:"items"`
	Dropped   int           `json:"droppedItems"`
	Missing   []string      `json:"missingAuthors,omitempty"`
}

func toJobWire(j domain.Job) jobWire {
	items := j.Items.Items()
	out := jobWire{
		ID:        j.ID,
		Kind:      string(j.Kind),
		State:     string(j.State),
		Total:     j.Total,
		Completed: j.Completed,
		Failed:    j.Failed,
		Items:     make([]jobItemWire, len(items)),
		Dropped:   j.Items.Dropped(),
	}
	for i, it := range items {
		out.Items[i] = jobItemWire{
			SourceRef: it.SourceRef, Action: string(it.Action),
			UpstreamID: it.UpstreamID, ErrorKind: it.ErrorKind, ErrorMsg: it.ErrorMsg,
		}
	}
	out.Missing = j.MissingAuthors
	return out
}

func (g *Gateway) ownedJob(r *http.Request) (domain.Job, error) {
	sess := sessionFromContext(r)
	jobID := chi.URLParam(r, "id")
	job, err := g.jobs.Get(jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if job.SessionID != sess.ID {
		return domain.Job{}, apperr.NotFoundf("job %s not found", jobID)
	}
	return job, nil
}

func (g *Gateway) handleListJobs(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r)
	jobs := g.jobs.List(sess.ID, nil)
	out := make([]jobWire, len(jobs))
	for i, j := range jobs {
		out[i] = toJobWire(j)
	}
	writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := g.ownedJob(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobWire(job))
}

func (g *Gateway) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := g.ownedJob(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := g.jobs.RequestCancel(job.ID); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

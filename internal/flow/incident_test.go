package flow

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/StampPipe/internal/models"
	"github.com/BTreeMap/StampPipe/internal/recovery"
	"github.com/BTreeMap/StampPipe/internal/store"
)

func incident(t *testing.T, e *env) models.Incident {
	t.Helper()
	rows := e.rows(store.CollectionIncidents)
	require.Len(t, rows, 1)
	var inc models.Incident
	require.NoError(t, store.Decode(rows[0], &inc))
	return inc
}

func TestIncident_WithPhoto(t *testing.T) {
	e := newEnv(t)
	e.text("REPORT")

	out := e.text("hi")
	assert.Contains(t, bodies(out), "describe the incident")
	e.requireState(models.FlowIncident, 1)

	out = e.text("Burst pipe flooding the entrance")
	e.requireState(models.FlowIncident, 2)
	inc := incident(t, e)
	assert.Equal(t, models.IncidentAwaitingMedia, inc.Status)
	assert.True(t, strings.HasPrefix(inc.Reference, "INC-"), inc.Reference)
	assert.Contains(t, bodies(out), inc.Reference)

	out = e.text("here it comes")
	assert.Contains(t, bodies(out), "send a photo")
	e.requireState(models.FlowIncident, 2)

	out = e.media(models.EventImage, "image/jpeg")
	assert.Contains(t, bodies(out), "Photo received")
	assert.True(t, e.state().IsIdle())

	inc = incident(t, e)
	assert.Equal(t, models.IncidentSubmitted, inc.Status)
	assert.Equal(t, "https://media.test/media/incidents/"+testUser+"/"+inc.Reference+".jpg", inc.PhotoURL)
}

func TestIncident_Skip(t *testing.T) {
	e := newEnv(t)
	e.text("REPORT")
	e.text("Lift out of order on level 2")
	out := e.text("skip")
	assert.Contains(t, bodies(out), "submitted")
	assert.True(t, e.state().IsIdle())

	inc := incident(t, e)
	assert.Equal(t, models.IncidentSubmitted, inc.Status)
	assert.Empty(t, inc.PhotoURL)
}

func TestIncident_LatePhotoAttachesToPendingReport(t *testing.T) {
	e := newEnv(t)
	e.text("REPORT")
	e.text("Broken window in the storeroom")
	e.text("CANCEL")
	require.True(t, e.state().IsIdle())

	out := e.media(models.EventImage, "image/png")
	assert.Contains(t, bodies(out), "Photo received")
	inc := incident(t, e)
	assert.Equal(t, models.IncidentSubmitted, inc.Status)
	assert.True(t, strings.HasSuffix(inc.PhotoURL, ".png"))

	// nothing is pending any more
	out = e.media(models.EventImage, "image/png")
	require.Len(t, out, 1)
	assert.Equal(t, MediaHintText, out[0].Body)
}

func TestIncident_UploadFailureKeepsStep(t *testing.T) {
	e := newEnv(t, func(d *Deps) { d.Objects = nil })
	e.text("REPORT")
	e.text("Power outage in the kitchen")

	out := e.media(models.EventImage, "image/jpeg")
	assert.Contains(t, bodies(out), "couldn't save that photo")
	e.requireState(models.FlowIncident, 2)
	assert.Equal(t, models.IncidentAwaitingMedia, incident(t, e).Status)

	require.Len(t, e.sink.letters, 1)
	letter := e.sink.letters[0]
	assert.Equal(t, models.FlowIncident, letter.Flow)
	assert.Equal(t, DeadLetterIncidentPhoto, letter.Kind)
	assert.Error(t, letter.Err)

	// the user can still finish without a photo
	e.text("SKIP")
	assert.Equal(t, models.IncidentSubmitted, incident(t, e).Status)
}

func TestReplayIncidentPhoto(t *testing.T) {
	e := newEnv(t, func(d *Deps) { d.Objects = nil })
	e.text("REPORT")
	e.text("Freezer alarm keeps going off")
	e.media(models.EventImage, "image/png")
	require.Len(t, e.sink.letters, 1)

	letter := e.sink.letters[0]
	payload, ok := letter.Payload.(map[string]string)
	require.True(t, ok)
	e.gw.Media[payload["media_id"]] = []byte("png-bytes")
	require.NoError(t, recovery.NewSink(e.store).Capture(e.ctx, letter))

	objects, err := store.NewLocalObjectStore(t.TempDir(), "https://media.test/media")
	require.NoError(t, err)
	m := recovery.NewManager(e.store)
	m.Register(DeadLetterIncidentPhoto, ReplayIncidentPhoto(e.store, e.gw, objects))

	n, err := m.ReplayAll(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, e.rows(store.CollectionDeadLetters))

	inc := incident(t, e)
	assert.Equal(t, models.IncidentSubmitted, inc.Status)
	assert.True(t, strings.HasPrefix(inc.PhotoURL, "https://media.test/media/incidents/"+testUser+"/"))
	assert.True(t, strings.HasSuffix(inc.PhotoURL, ".png"))
}

func TestReplayIncidentPhoto_MissingMediaStays(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, recovery.NewSink(e.store).Capture(e.ctx, recovery.Letter{
		UserID:  testUser,
		Flow:    models.FlowIncident,
		Kind:    DeadLetterIncidentPhoto,
		Payload: map[string]string{"incident_id": "gone", "reference": "INC-1", "media_id": "wamid.none"},
	}))

	m := recovery.NewManager(e.store)
	m.Register(DeadLetterIncidentPhoto, ReplayIncidentPhoto(e.store, e.gw, e.deps.Objects))
	n, err := m.ReplayAll(e.ctx)
	assert.Error(t, err)
	assert.Zero(t, n)
	assert.Len(t, e.rows(store.CollectionDeadLetters), 1)
}

func TestIncident_SaveFailureReturnsToDescription(t *testing.T) {
	e := newEnv(t, failInserts(store.CollectionIncidents))
	e.text("REPORT")

	out := e.text("Burst pipe flooding the entrance")
	assert.Contains(t, bodies(out), "send the description again")
	assert.NotContains(t, bodies(out), "INC-")
	e.requireState(models.FlowIncident, 1)
	assert.Empty(t, e.rows(store.CollectionIncidents))

	// the flow is back at the description, so SKIP is not a submission
	out = e.text("SKIP")
	assert.Contains(t, bodies(out), "describe the incident")
	e.requireState(models.FlowIncident, 1)
}

func TestIncident_SkipForMissingReport(t *testing.T) {
	e := newEnv(t)
	_, err := e.states.Save(e.ctx, e.state(), models.FlowIncident, 2, incidentAux{IncidentID: "never-saved", Reference: "INC-GONE"})
	require.NoError(t, err)

	out := e.text("SKIP")
	assert.Contains(t, bodies(out), "couldn't find that report")
	assert.NotContains(t, bodies(out), "submitted")
	assert.True(t, e.state().IsIdle())
	assert.Empty(t, e.rows(store.CollectionIncidents))
}

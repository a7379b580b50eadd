// Package api exposes the voting engine over REST. Manager identity
// arrives in the X-User-ID header, established by the upstream identity
// collaborator; voters authenticate with their ticket credentials only.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/openassembly/evote/internal/attendance"
	"github.com/openassembly/evote/internal/domain"
	"github.com/openassembly/evote/internal/errors"
	"github.com/openassembly/evote/internal/notify"
	"github.com/openassembly/evote/internal/results"
	"github.com/openassembly/evote/internal/session"
	"github.com/openassembly/evote/internal/vote"
)

const userHeader = "X-User-ID"

// Manager actions multiplexed over PATCH /sessions/{id}.
const (
	actionStart          = "START"
	actionTicketsStatus  = "TICKETS_STATUS"
	actionCheckEarlyEnd  = "CHECK_EARLY_END"
	actionGetResults     = "GET_RESULTS"
	actionPublishResults = "PUBLISH_RESULTS"
	actionArchive        = "ARCHIVE"
	actionUnarchive      = "UNARCHIVE"
	actionResendTicket   = "RESEND_TICKET"
)

type Config struct {
	Router     gin.IRouter
	Session    *session.Service
	Vote       *vote.Service
	Results    *results.Service
	Attendance *attendance.Service
	Notify     *notify.Dispatcher

	// VoteRate limits begin/submit requests per client IP.
	VoteRate  rate.Limit
	VoteBurst int
}

type API struct {
	session    *session.Service
	vote       *vote.Service
	results    *results.Service
	attendance *attendance.Service
	notify     *notify.Dispatcher
}

func New(c Config) *API {
	a := &API{
		session:    c.Session,
		vote:       c.Vote,
		results:    c.Results,
		attendance: c.Attendance,
		notify:     c.Notify,
	}

	r := c.Router
	r.POST("/sessions", a.createSession)
	r.GET("/sessions/:id", a.getSession)
	r.PUT("/sessions/:id", a.updateSession)
	r.DELETE("/sessions/:id", a.deleteSession)
	r.PATCH("/sessions/:id", a.patchSession)
	r.GET("/sessions/:id/attendance", a.getAttendance)

	limited := r.Group("/", perIPRateLimit(c.VoteRate, c.VoteBurst))
	limited.GET("/sessions/:id/vote", a.beginVote)
	limited.POST("/sessions/:id/vote", a.submitVote)

	return a
}

type sessionBody struct {
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	Type           string          `json:"type"`
	IsWeighted     bool            `json:"isWeighted"`
	Ballots        []domain.Ballot `json:"ballots"`
	Voters         []domain.Voter  `json:"voters"`
	ScrutineersIDs []string        `json:"scrutineersIds"`
	PublishedSince *time.Time      `json:"publishedSince"`
}

func (a *API) createSession(c *gin.Context) {
	user, ok := requireUser(c)
	if !ok {
		return
	}

	var body sessionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		abortErr(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("invalid request body"), errors.WithCause(err)))
		return
	}

	ss, err := a.session.CreateSession(c.Request.Context(), session.CreateSessionRequest{
		OwnerID:        user,
		Name:           body.Name,
		Description:    body.Description,
		Type:           domain.SessionType(body.Type),
		Weighted:       body.IsWeighted,
		Ballots:        body.Ballots,
		Voters:         body.Voters,
		ScrutineerIDs:  body.ScrutineersIDs,
		PublishedSince: body.PublishedSince,
	})
	if err != nil {
		abortErr(c, err)
		return
	}

	c.JSON(http.StatusCreated, managerSessionJSON(ss))
}

func (a *API) getSession(c *gin.Context) {
	user, ok := requireUser(c)
	if !ok {
		return
	}

	ss, err := a.session.GetSession(c.Request.Context(), session.GetSessionRequest{
		SessionID: c.Param("id"),
		UserID:    user,
	})
	if err != nil {
		abortErr(c, err)
		return
	}

	c.JSON(http.StatusOK, managerSessionJSON(ss))
}

func (a *API) updateSession(c *gin.Context) {
	user, ok := requireUser(c)
	if !ok {
		return
	}

	var body sessionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		abortErr(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("invalid request body"), errors.WithCause(err)))
		return
	}

	ss, err := a.session.UpdateSession(c.Request.Context(), session.UpdateSessionRequest{
		SessionID:      c.Param("id"),
		UserID:         user,
		Name:           body.Name,
		Description:    body.Description,
		Type:           domain.SessionType(body.Type),
		Weighted:       body.IsWeighted,
		Ballots:        body.Ballots,
		Voters:         body.Voters,
		ScrutineerIDs:  body.ScrutineersIDs,
		PublishedSince: body.PublishedSince,
	})
	if err != nil {
		abortErr(c, err)
		return
	}

	c.JSON(http.StatusOK, managerSessionJSON(ss))
}

func (a *API) deleteSession(c *gin.Context) {
	user, ok := requireUser(c)
	if !ok {
		return
	}

	err := a.session.DeleteSession(c.Request.Context(), session.DeleteSessionRequest{
		SessionID: c.Param("id"),
		UserID:    user,
	})
	if err != nil {
		abortErr(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

type patchBody struct {
	Action   string     `json:"action"`
	EndsAt   *time.Time `json:"endsAt"`
	Timezone string     `json:"timezone"`
	VoterID  string     `json:"voterId"`
}

func (a *API) patchSession(c *gin.Context) {
	user, ok := requireUser(c)
	if !ok {
		return
	}

	var body patchBody
	if err := c.ShouldBindJSON(&body); err != nil {
		abortErr(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("invalid request body"), errors.WithCause(err)))
		return
	}

	ctx := c.Request.Context()
	id := c.Param("id")

	switch body.Action {
	case actionStart:
		if body.EndsAt == nil {
			abortErr(c, errors.New(errors.CodeInvalidArgument,
				errors.WithMessagef("endsAt is required to start a session"), errors.WithFields("endsAt")))
			return
		}
		ss, err := a.session.StartSession(ctx, session.StartSessionRequest{
			SessionID: id,
			UserID:    user,
			EndsAt:    *body.EndsAt,
			Timezone:  body.Timezone,
		})
		respondSession(c, ss, err)

	case actionTicketsStatus:
		tickets, err := a.session.TicketsStatus(ctx, session.TicketsStatusRequest{SessionID: id, UserID: user})
		if err != nil {
			abortErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"tickets": ticketsJSON(tickets, false)})

	case actionCheckEarlyEnd:
		ss, err := a.session.CheckEarlyEnd(ctx, session.CheckEarlyEndRequest{SessionID: id, UserID: user})
		respondSession(c, ss, err)

	case actionGetResults:
		r, err := a.results.GetResults(ctx, results.GetResultsRequest{SessionID: id, UserID: user})
		if err != nil {
			abortErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"results": r})

	case actionPublishResults:
		r, err := a.results.PublishResults(ctx, results.PublishResultsRequest{SessionID: id, UserID: user})
		if err != nil {
			abortErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"results": r})

	case actionArchive, actionUnarchive:
		ss, err := a.session.ArchiveSession(ctx, session.ArchiveSessionRequest{
			SessionID: id,
			UserID:    user,
			Archived:  body.Action == actionArchive,
		})
		respondSession(c, ss, err)

	case actionResendTicket:
		// Manager check first: Resend itself trusts its caller.
		if _, err := a.session.GetSession(ctx, session.GetSessionRequest{SessionID: id, UserID: user}); err != nil {
			abortErr(c, err)
			return
		}
		if err := a.notify.Resend(ctx, notify.ResendRequest{SessionID: id, VoterID: body.VoterID}); err != nil {
			abortErr(c, err)
			return
		}
		c.Status(http.StatusNoContent)

	default:
		abortErr(c, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("unknown action %q", body.Action), errors.WithFields("action")))
	}
}

func (a *API) getAttendance(c *gin.Context) {
	user, ok := requireUser(c)
	if !ok {
		return
	}

	// Manager check happens in the session service.
	if _, err := a.session.GetSession(c.Request.Context(), session.GetSessionRequest{
		SessionID: c.Param("id"), UserID: user,
	}); err != nil {
		abortErr(c, err)
		return
	}

	names, err := a.attendance.Attendance(c.Request.Context(), attendance.AttendanceRequest{SessionID: c.Param("id")})
	if err != nil {
		abortErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"participantVoters": names})
}

func (a *API) beginVote(c *gin.Context) {
	resp, err := a.vote.BeginVote(c.Request.Context(), vote.BeginVoteRequest{
		SessionID: c.Param("id"),
		VoterID:   c.Query("voterId"),
		Token:     c.Query("token"),
	})
	if err != nil {
		abortVoterErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session":      voterSessionJSON(resp.Session),
		"votingTicket": ticketJSON(*resp.Ticket, true),
	})
}

type submitBody struct {
	VotingTicket struct {
		VoterID string `json:"voterId"`
		Token   string `json:"token"`
	} `json:"votingTicket"`
	Submission []int `json:"submission"`
}

func (a *API) submitVote(c *gin.Context) {
	var body submitBody
	if err := c.ShouldBindJSON(&body); err != nil {
		abortVoterErr(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	resp, err := a.vote.SubmitVote(c.Request.Context(), vote.SubmitVoteRequest{
		SessionID:  c.Param("id"),
		VoterID:    body.VotingTicket.VoterID,
		Token:      body.VotingTicket.Token,
		Submission: body.Submission,
		UserAgent:  c.Request.UserAgent(),
		IPAddress:  c.ClientIP(),
	})
	if err != nil {
		abortVoterErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"votedAt": resp.VotedAt})
}

func requireUser(c *gin.Context) (string, bool) {
	user := c.GetHeader(userHeader)
	if user == "" {
		abortErr(c, errors.New(errors.CodeUnauthenticated,
			errors.WithMessagef("missing %s header", userHeader)))
		return "", false
	}
	return user, true
}

func respondSession(c *gin.Context, ss *domain.Session, err error) {
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, managerSessionJSON(ss))
}

func abortErr(c *gin.Context, err error) {
	e := errors.Convert(err)
	c.AbortWithStatusJSON(e.HTTPStatusCode(), e)
}

// abortVoterErr flattens everything a voter can see to three messages:
// no internal detail leaks through the public vote endpoints.
func abortVoterErr(c *gin.Context, err error) {
	e := errors.Convert(err)

	msg := "submission failed"
	switch e.Code {
	case errors.CodeNotFound:
		msg = "invalid link"
	case errors.CodeAlreadyExists:
		msg = "already voted"
	}

	c.AbortWithStatusJSON(e.HTTPStatusCode(), gin.H{"message": msg})
}

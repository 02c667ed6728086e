package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/yourorg/impersonator/internal/session"
	"github.com/yourorg/impersonator/internal/types"
)

// handleEvents streams provider events to the page as Server-Sent Events.
// A connect event carrying the chain id opens the stream when a provider is
// injected.
func (s *Server) handleEvents(c *gin.Context, sess *session.Session) {
	events, stop := sess.Subscribe()
	defer stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	if p := sess.Provider(); p != nil {
		c.SSEvent("connect", gin.H{"chainId": hexutil.EncodeUint64(uint64(p.ChainID()))})
		c.Writer.Flush()
	}

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(ev.Name, ev.Data)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

type addressBody struct {
	Address        string `json:"address" binding:"required"`
	DisplayAddress string `json:"displayAddress"`
}

func (s *Server) handleSetAddress(c *gin.Context, sess *session.Session) {
	var body addressBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.setAddress(c, sess, body.Address, body.DisplayAddress)
}

func (s *Server) setAddress(c *gin.Context, sess *session.Session, address, display string) {
	id, err := sess.Controller().SetAddress(c.Request.Context(), address, display)
	if err != nil {
		logrus.WithField("session", sess.ID).WithError(err).Warn("Address update rejected")
		c.JSON(httpStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, id)
}

type networkBody struct {
	ChainName string `json:"chainName" binding:"required"`
}

func (s *Server) handleSelectNetwork(c *gin.Context, sess *session.Session) {
	var body networkBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.selectNetwork(c, sess, body.ChainName)
}

func (s *Server) selectNetwork(c *gin.Context, sess *session.Session, name string) {
	network, err := sess.Controller().SelectNetwork(c.Request.Context(), name)
	if err != nil {
		c.JSON(httpStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, network)
}

func (s *Server) handleInfo(c *gin.Context, sess *session.Session) {
	c.JSON(http.StatusOK, sess.Controller().Info(c.Request.Context()))
}

// handleMessage accepts a raw {type, msg} envelope from the UI.
func (s *Server) handleMessage(c *gin.Context, sess *session.Session) {
	var env types.Envelope
	if err := json.NewDecoder(c.Request.Body).Decode(&env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	msg, err := types.DecodeUI(env)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	switch m := msg.(type) {
	case types.UISetAddress:
		s.setAddress(c, sess, m.Address, m.DisplayAddress)
	case types.UISetNetwork:
		s.selectNetwork(c, sess, m.ChainName)
	case types.UIGetInfo:
		s.handleInfo(c, sess)
	}
}

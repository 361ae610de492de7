package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/agencyscout/internal/ids"
)

func (s *Server) listHistory(c echo.Context) error {
	return c.JSON(http.StatusOK, HistoryListResponse{Sessions: s.History.List()})
}

// Search archived runs
//
//	@Summary	Search history
//	@Tags		history
//	@Param		q	query	string	false	"Free text matched against name, suburb and status"
//	@Produce	json
//	@Success	200	{object}	HistoryListResponse
//	@Router		/api/history/search [get]
func (s *Server) searchHistory(c echo.Context) error {
	entries, err := s.History.Search(c.QueryParam("q"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, HistoryListResponse{Sessions: entries})
}

func (s *Server) historyDetail(c echo.Context) error {
	sid := c.Param("sid")
	if err := ids.ValidateSessionID(sid); err != nil {
		return err
	}
	d, ok := s.History.Detail(sid)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no archived run "+sid)
	}
	return c.JSON(http.StatusOK, d)
}

package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFantasyPlayers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GET", r.Method)
		assert.Equal(t, "/v1/players/nfl", r.URL.Path)
		w.Write([]byte(`{
			"4046": {"player_id": "4046", "first_name": "Patrick", "last_name": "Mahomes", "position": "QB", "team": "KC"},
			"DEF_KC": {"first_name": "Kansas City", "last_name": "Chiefs", "position": "DEF"}
		}`))
	}))
	defer server.Close()

	c := NewFantasyClient(server.URL, nil, nil)
	players, err := c.Players(context.Background(), "nfl")
	require.NoError(t, err)
	require.Len(t, players, 2)

	assert.Equal(t, "Patrick Mahomes", players["4046"].DisplayName())
	assert.Equal(t, "DEF_KC", players["DEF_KC"].PlayerID, "player id backfilled from map key")
}

func TestFantasyLeagueAndRosters(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/league/L1":
			json.NewEncoder(w).Encode(League{LeagueID: "L1", Name: "Office", Season: "2026", TotalRosters: 2})
		case "/v1/league/L1/rosters":
			json.NewEncoder(w).Encode([]Roster{
				{RosterID: 1, OwnerID: "u1", LeagueID: "L1", Players: []string{"4046"}},
				{RosterID: 2, OwnerID: "u2", LeagueID: "L1"},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	c := NewFantasyClient(server.URL, nil, nil)

	league, err := c.League(context.Background(), "L1")
	require.NoError(t, err)
	assert.Equal(t, "Office", league.Name)

	rosters, err := c.Rosters(context.Background(), "L1")
	require.NoError(t, err)
	require.Len(t, rosters, 2)
	assert.Equal(t, []string{"4046"}, rosters[0].Players)
}

func TestFantasy_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("null"))
	}))
	defer server.Close()

	c := NewFantasyClient(server.URL, nil, nil)
	_, err := c.League(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}

func TestPlayerDisplayName(t *testing.T) {
	tests := []struct {
		player Player
		want   string
	}{
		{Player{FullName: "Josh Allen", FirstName: "Joshua"}, "Josh Allen"},
		{Player{FirstName: "Travis", LastName: "Kelce"}, "Travis Kelce"},
		{Player{LastName: "Chiefs"}, "Chiefs"},
		{Player{FirstName: "Pele"}, "Pele"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.player.DisplayName())
	}
}

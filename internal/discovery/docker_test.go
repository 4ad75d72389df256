package discovery

import (
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContainerIPPrefersFlowplaneNetwork(t *testing.T) {
	info := types.ContainerJSON{
		NetworkSettings: &types.NetworkSettings{
			Networks: map[string]*network.EndpointSettings{
				"compose_default":  {IPAddress: "10.0.0.5"},
				"flowplane_mesh": {IPAddress: "10.1.0.9"},
			},
		},
	}
	ip, err := containerIP(info)
	require.NoError(t, err)
	assert.Equal(t, "10.1.0.9", ip)
}

func TestContainerIPFallsBackToFirstAvailable(t *testing.T) {
	info := types.ContainerJSON{
		NetworkSettings: &types.NetworkSettings{
			Networks: map[string]*network.EndpointSettings{
				"compose_default": {IPAddress: "10.0.0.5"},
			},
		},
	}
	ip, err := containerIP(info)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", ip)
}

func TestContainerIPErrorsWithNoNetworks(t *testing.T) {
	info := types.ContainerJSON{NetworkSettings: &types.NetworkSettings{Networks: map[string]*network.EndpointSettings{}}}
	_, err := containerIP(info)
	assert.Error(t, err)
}

func TestTeamOfDefaultsWhenLabelAbsent(t *testing.T) {
	assert.Equal(t, defaultTeam, teamOf(map[string]string{}))
	assert.Equal(t, "team-a", teamOf(map[string]string{labelTeam: "team-a"}))
}

func TestClusterNameOfPrefersExplicitNameOverComposeService(t *testing.T) {
	assert.Equal(t, "custom", clusterNameOf(map[string]string{labelName: "custom", labelComposeSvc: "svc"}))
	assert.Equal(t, "svc", clusterNameOf(map[string]string{labelComposeSvc: "svc"}))
	assert.Equal(t, "", clusterNameOf(map[string]string{}))
}

func TestShortIDTruncatesTo12Characters(t *testing.T) {
	assert.Equal(t, "abcdefabcdef", shortID("abcdefabcdef0123456789"))
	assert.Equal(t, "short", shortID("short"))
}

package constants

// ClusterState is the state of a managed cluster as seen by its lifecycle manager.
type ClusterState string

const (
	ClusterStateDead          ClusterState = "dead"
	ClusterStateStopped       ClusterState = "stopped"
	ClusterStateStarting      ClusterState = "starting"
	ClusterStateUpdating      ClusterState = "updating"
	ClusterStateSleeping      ClusterState = "sleeping"
	ClusterStateStopping      ClusterState = "stopping"
	ClusterStateLostOwnership ClusterState = "broken-lost-ownership"
)

func (s ClusterState) String() string {
	return string(s)
}

// OwnershipTagKey is the tag written on the cluster security group to record which manager owns it.
const OwnershipTagKey = "clusterui-instance"

// AllClusterStates lists every state a cluster manager can report
func AllClusterStates() []ClusterState {
	return []ClusterState{
		ClusterStateDead,
		ClusterStateStopped,
		ClusterStateStarting,
		ClusterStateUpdating,
		ClusterStateSleeping,
		ClusterStateStopping,
		ClusterStateLostOwnership,
	}
}

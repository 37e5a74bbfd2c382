// Package reconcile compares the actual container instances of each
// auto-redeploy description with the description itself and corrects drift.
//
// A pass lists the opted-in descriptions, groups their instances by context
// id, diffs every group (environment and power state), derives a
// recommendation and dispatches a redeployment workflow for each group that
// needs one. Split is the scaling decision shared with the clustering
// workflow: it ranks instances by importance and cuts at the desired count.
package reconcile

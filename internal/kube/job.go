package kube

import (
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
)

// defaultBackoffLimit is the Job controller's retry limit when spec.backoffLimit is unset.
const defaultBackoffLimit int32 = 6

// JobSucceeded reports whether a Job has run to completion.
func JobSucceeded(job *batchv1.Job) bool {
	if job == nil {
		return false
	}

	for _, c := range job.Status.Conditions {
		if c.Type == batchv1.JobComplete && c.Status == corev1.ConditionTrue {
			return true
		}
	}

	completions := int32(1)
	if job.Spec.Completions != nil {
		completions = *job.Spec.Completions
	}
	return job.Status.Succeeded >= completions && completions > 0
}

// JobFailed reports whether a Job reached a terminal failure.
func JobFailed(job *batchv1.Job) bool {
	if job == nil {
		return false
	}

	for _, c := range job.Status.Conditions {
		if c.Type == batchv1.JobFailed && c.Status == corev1.ConditionTrue {
			return true
		}
	}

	// Conditions may lag; a Job past its backoff limit with nothing left running is terminal.
	backoffLimit := defaultBackoffLimit
	if job.Spec.BackoffLimit != nil {
		backoffLimit = *job.Spec.BackoffLimit
	}
	return job.Status.Failed > backoffLimit && job.Status.Active == 0
}

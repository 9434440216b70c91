package controllers

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/utils/ptr"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/predicate"

	"github.com/nrfcloud/campadmin/pkg/credentials"
	"github.com/nrfcloud/campadmin/pkg/kubernetes"
	"github.com/nrfcloud/campadmin/pkg/session"
)

// nearExpiryRequeue is how often a session close to expiry is re-read while
// waiting for the leader to rotate it.
const nearExpiryRequeue = 30 * time.Second

// CredentialsReconciler keeps the in-memory access token of this replica in
// step with the shared session Secret.
type CredentialsReconciler struct {
	client.Client
	Scheme          *runtime.Scheme
	Syncer          session.TokenSyncer
	SecretNamespace string
	SecretName      string
	RefreshBuffer   time.Duration
	logger          logr.Logger
}

// +kubebuilder:rbac:groups="",resources=secrets,verbs=get;list;watch;create;update;patch

func (r *CredentialsReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := r.logger.WithValues("secret", req.NamespacedName)

	if req.Namespace != r.SecretNamespace || req.Name != r.SecretName {
		return ctrl.Result{}, nil
	}

	secret := &corev1.Secret{}
	if err := r.Get(ctx, req.NamespacedName, secret); err != nil {
		if apierrors.IsNotFound(err) {
			// Session secret was deleted, the session is gone for every replica
			if r.Syncer.AccessToken() != "" {
				r.Syncer.SyncToken("")
				logger.Info("Session secret deleted, dropped access token")
			}
			return ctrl.Result{}, nil
		}
		logger.Error(err, "Failed to fetch session secret")
		return ctrl.Result{}, err
	}

	if !kubernetes.IsSecretManagedByController(secret) {
		logger.V(1).Info("Secret is not managed by campadmin, skipping")
		return ctrl.Result{}, nil
	}

	token := string(secret.Data[credentials.KeyToken])
	if token != r.Syncer.AccessToken() {
		r.Syncer.SyncToken(token)
		logger.Info("Adopted rotated access token", "empty", token == "")
	}

	if token == "" {
		return ctrl.Result{}, nil
	}

	needsRefresh, err := kubernetes.NeedsTokenRefresh(secret, r.RefreshBuffer)
	if err != nil {
		// Opaque tokens carry no expiry; nothing to schedule.
		logger.V(1).Info("Session secret has no usable expiry", "reason", err.Error())
		return ctrl.Result{}, nil
	}
	if needsRefresh {
		logger.V(1).Info("Shared access token near expiry, waiting for rotation")
		return ctrl.Result{RequeueAfter: nearExpiryRequeue}, nil
	}

	expiry, _ := kubernetes.GetTokenExpiry(secret)
	return ctrl.Result{RequeueAfter: time.Until(expiry) - r.RefreshBuffer}, nil
}

func (r *CredentialsReconciler) SetupWithManager(mgr ctrl.Manager) error {
	r.logger = ctrl.Log.WithName("credentials-controller")

	return ctrl.NewControllerManagedBy(mgr).
		For(&corev1.Secret{}).
		WithOptions(controller.Options{
			MaxConcurrentReconciles: 1,
			// Every replica adopts rotated tokens, not only the leader
			NeedLeaderElection: ptr.To(false),
		}).
		WithEventFilter(predicate.NewPredicateFuncs(func(object client.Object) bool {
			return object.GetNamespace() == r.SecretNamespace && object.GetName() == r.SecretName
		})).
		Complete(r)
}

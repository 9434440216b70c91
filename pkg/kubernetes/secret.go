package kubernetes

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	"github.com/nrfcloud/campadmin/pkg/credentials"
)

const (
	// SecretTypeSession is the type for admin session secrets
	SecretTypeSession = "campadmin.nrfcloud.com/session"

	// AnnotationManagedBy indicates the secret is managed by campadmin
	AnnotationManagedBy = "campadmin.nrfcloud.com/managed-by"

	// AnnotationTokenExpiry stores the access token expiration time
	AnnotationTokenExpiry = "campadmin.nrfcloud.com/token-expiry"

	managedByValue = "campadmin"
)

// SecretStore keeps session credentials in a single Kubernetes Secret so
// every replica shares one session.
type SecretStore struct {
	client    client.Client
	namespace string
	name      string
	logger    logr.Logger
}

// NewSecretStore creates a credential store backed by namespace/name.
func NewSecretStore(client client.Client, namespace, name string, logger logr.Logger) *SecretStore {
	return &SecretStore{
		client:    client,
		namespace: namespace,
		name:      name,
		logger:    logger.WithValues("secret", fmt.Sprintf("%s/%s", namespace, name)),
	}
}

// Namespace returns the namespace of the backing Secret.
func (s *SecretStore) Namespace() string { return s.namespace }

// Name returns the name of the backing Secret.
func (s *SecretStore) Name() string { return s.name }

func (s *SecretStore) Get(ctx context.Context, key string) (string, bool, error) {
	secret, err := s.GetSecret(ctx)
	if apierrors.IsNotFound(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get session secret: %w", err)
	}

	v, ok := secret.Data[key]
	if !ok {
		return "", false, nil
	}
	return string(v), true, nil
}

func (s *SecretStore) Set(ctx context.Context, key, value string) error {
	return s.mutate(ctx, func(secret *corev1.Secret) {
		secret.Data[key] = []byte(value)
	})
}

func (s *SecretStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	secret, err := s.GetSecret(ctx)
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get session secret: %w", err)
	}
	if !IsSecretManagedByController(secret) {
		return fmt.Errorf("secret %s/%s exists but is not managed by campadmin", s.namespace, s.name)
	}

	for _, key := range keys {
		delete(secret.Data, key)
	}
	refreshExpiryAnnotation(secret)

	if err := s.client.Update(ctx, secret); err != nil {
		return fmt.Errorf("failed to update session secret: %w", err)
	}
	return nil
}

func (s *SecretStore) mutate(ctx context.Context, apply func(secret *corev1.Secret)) error {
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      s.name,
			Namespace: s.namespace,
		},
	}

	op, err := controllerutil.CreateOrUpdate(ctx, s.client, secret, func() error {
		if secret.ResourceVersion == "" {
			secret.Type = SecretTypeSession
		} else if !IsSecretManagedByController(secret) {
			return fmt.Errorf("secret %s/%s exists but is not managed by campadmin", s.namespace, s.name)
		}

		if secret.Data == nil {
			secret.Data = make(map[string][]byte)
		}
		apply(secret)

		if secret.Annotations == nil {
			secret.Annotations = make(map[string]string)
		}
		secret.Annotations[AnnotationManagedBy] = managedByValue
		refreshExpiryAnnotation(secret)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to create or update session secret: %w", err)
	}

	switch op {
	case controllerutil.OperationResultCreated:
		s.logger.Info("Created session secret")
	case controllerutil.OperationResultUpdated:
		s.logger.V(1).Info("Updated session secret")
	}
	return nil
}

// refreshExpiryAnnotation mirrors the access token's exp claim so operators
// can see when the session lapses without decoding the token.
func refreshExpiryAnnotation(secret *corev1.Secret) {
	if secret.Annotations == nil {
		return
	}
	expiry, ok := credentials.TokenExpiry(string(secret.Data[credentials.KeyToken]))
	if !ok {
		delete(secret.Annotations, AnnotationTokenExpiry)
		return
	}
	secret.Annotations[AnnotationTokenExpiry] = expiry.UTC().Format(time.RFC3339)
}

// GetSecret retrieves the backing secret
func (s *SecretStore) GetSecret(ctx context.Context) (*corev1.Secret, error) {
	secret := &corev1.Secret{}
	err := s.client.Get(ctx, types.NamespacedName{
		Namespace: s.namespace,
		Name:      s.name,
	}, secret)

	if err != nil {
		return nil, err
	}

	return secret, nil
}

// IsSecretManagedByController checks if a secret is managed by campadmin
func IsSecretManagedByController(secret *corev1.Secret) bool {
	if secret.Annotations == nil {
		return false
	}

	managedBy, exists := secret.Annotations[AnnotationManagedBy]
	return exists && managedBy == managedByValue
}

// GetTokenExpiry returns the token expiration time from secret annotations
func GetTokenExpiry(secret *corev1.Secret) (time.Time, error) {
	if secret.Annotations == nil {
		return time.Time{}, fmt.Errorf("secret has no annotations")
	}

	expiryStr, exists := secret.Annotations[AnnotationTokenExpiry]
	if !exists {
		return time.Time{}, fmt.Errorf("secret has no token expiry annotation")
	}

	expiry, err := time.Parse(time.RFC3339, expiryStr)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse token expiry: %w", err)
	}

	return expiry, nil
}

// NeedsTokenRefresh checks if the secret's token expires within threshold
func NeedsTokenRefresh(secret *corev1.Secret, threshold time.Duration) (bool, error) {
	if !IsSecretManagedByController(secret) {
		return false, nil
	}

	expiry, err := GetTokenExpiry(secret)
	if err != nil {
		return true, err // If we can't determine expiry, assume it needs refresh
	}

	return time.Until(expiry) < threshold, nil
}

// Ensure SecretStore implements credentials.Store
var _ credentials.Store = (*SecretStore)(nil)

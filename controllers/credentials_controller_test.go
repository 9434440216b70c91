package controllers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/nrfcloud/campadmin/pkg/credentials"
	"github.com/nrfcloud/campadmin/pkg/kubernetes"
)

const (
	testNamespace  = "campadmin"
	testSecretName = "campadmin-session"
)

type fakeSyncer struct {
	mu     sync.Mutex
	token  string
	synced []string
}

func (f *fakeSyncer) SyncToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = token
	f.synced = append(f.synced, token)
}

func (f *fakeSyncer) AccessToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

func signedToken(t *testing.T, expiresIn time.Duration) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(expiresIn).Unix(),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func sessionSecret(token string, expiry time.Time, managed bool) *corev1.Secret {
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:        testSecretName,
			Namespace:   testNamespace,
			Annotations: map[string]string{},
		},
		Type: kubernetes.SecretTypeSession,
		Data: map[string][]byte{
			credentials.KeyToken:        []byte(token),
			credentials.KeyRefreshToken: []byte("refresh-1"),
		},
	}
	if managed {
		secret.Annotations[kubernetes.AnnotationManagedBy] = "campadmin"
	}
	if !expiry.IsZero() {
		secret.Annotations[kubernetes.AnnotationTokenExpiry] = expiry.UTC().Format(time.RFC3339)
	}
	return secret
}

func TestCredentialsReconciler_Reconcile(t *testing.T) {
	scheme := runtime.NewScheme()
	require.NoError(t, corev1.AddToScheme(scheme))

	fresh := signedToken(t, time.Hour)
	expiring := signedToken(t, time.Minute)

	tests := []struct {
		name          string
		secret        *corev1.Secret
		request       types.NamespacedName
		currentToken  string
		expectedToken string
		expectSync    bool
		checkResult   func(t *testing.T, result ctrl.Result)
	}{
		{
			name:          "adopts rotated token",
			secret:        sessionSecret(fresh, time.Now().Add(time.Hour), true),
			currentToken:  "old-token",
			expectedToken: fresh,
			expectSync:    true,
			checkResult: func(t *testing.T, result ctrl.Result) {
				assert.Greater(t, result.RequeueAfter, 50*time.Minute)
				assert.LessOrEqual(t, result.RequeueAfter, 58*time.Minute)
			},
		},
		{
			name:          "token already current",
			secret:        sessionSecret(fresh, time.Now().Add(time.Hour), true),
			currentToken:  fresh,
			expectedToken: fresh,
		},
		{
			name:          "token near expiry",
			secret:        sessionSecret(expiring, time.Now().Add(time.Minute), true),
			currentToken:  expiring,
			expectedToken: expiring,
			checkResult: func(t *testing.T, result ctrl.Result) {
				assert.Equal(t, ctrl.Result{RequeueAfter: nearExpiryRequeue}, result)
			},
		},
		{
			name:          "opaque token without expiry",
			secret:        sessionSecret("opaque", time.Time{}, true),
			currentToken:  "",
			expectedToken: "opaque",
			expectSync:    true,
			checkResult: func(t *testing.T, result ctrl.Result) {
				assert.Equal(t, ctrl.Result{}, result)
			},
		},
		{
			name:          "unmanaged secret is ignored",
			secret:        sessionSecret(fresh, time.Time{}, false),
			currentToken:  "old-token",
			expectedToken: "old-token",
		},
		{
			name:          "deleted secret drops token",
			currentToken:  "old-token",
			expectedToken: "",
			expectSync:    true,
		},
		{
			name:          "other secret is ignored",
			secret:        sessionSecret(fresh, time.Time{}, true),
			request:       types.NamespacedName{Namespace: testNamespace, Name: "unrelated"},
			currentToken:  "old-token",
			expectedToken: "old-token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()

			objects := []client.Object{}
			if tt.secret != nil {
				objects = append(objects, tt.secret)
			}
			fakeClient := fake.NewClientBuilder().
				WithScheme(scheme).
				WithObjects(objects...).
				Build()

			syncer := &fakeSyncer{token: tt.currentToken}
			reconciler := &CredentialsReconciler{
				Client:          fakeClient,
				Scheme:          scheme,
				Syncer:          syncer,
				SecretNamespace: testNamespace,
				SecretName:      testSecretName,
				RefreshBuffer:   2 * time.Minute,
				logger:          zap.New(zap.UseDevMode(true)),
			}

			request := tt.request
			if request.Name == "" {
				request = types.NamespacedName{Namespace: testNamespace, Name: testSecretName}
			}

			result, err := reconciler.Reconcile(ctx, ctrl.Request{NamespacedName: request})
			require.NoError(t, err)

			assert.Equal(t, tt.expectedToken, syncer.AccessToken())
			if tt.expectSync {
				assert.Len(t, syncer.synced, 1)
			} else {
				assert.Empty(t, syncer.synced)
			}
			if tt.checkResult != nil {
				tt.checkResult(t, result)
			}
		})
	}
}

func TestCredentialsReconciler_FollowsSecretStore(t *testing.T) {
	scheme := runtime.NewScheme()
	require.NoError(t, corev1.AddToScheme(scheme))
	ctx := context.Background()

	fakeClient := fake.NewClientBuilder().WithScheme(scheme).Build()
	store := kubernetes.NewSecretStore(fakeClient, testNamespace, testSecretName, zap.New(zap.UseDevMode(true)))

	syncer := &fakeSyncer{}
	reconciler := &CredentialsReconciler{
		Client:          fakeClient,
		Scheme:          scheme,
		Syncer:          syncer,
		SecretNamespace: testNamespace,
		SecretName:      testSecretName,
		RefreshBuffer:   2 * time.Minute,
		logger:          zap.New(zap.UseDevMode(true)),
	}
	req := ctrl.Request{NamespacedName: types.NamespacedName{Namespace: testNamespace, Name: testSecretName}}

	// Another replica wrote a token through the shared store
	rotated := signedToken(t, time.Hour)
	require.NoError(t, store.Set(ctx, credentials.KeyToken, rotated))

	_, err := reconciler.Reconcile(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, rotated, syncer.AccessToken())

	// And later logged the session out
	require.NoError(t, store.Delete(ctx, credentials.KeyToken, credentials.KeyRefreshToken))

	result, err := reconciler.Reconcile(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, ctrl.Result{}, result)
	assert.Empty(t, syncer.AccessToken())
}
